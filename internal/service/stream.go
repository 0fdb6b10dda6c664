package service

import (
	"context"
	"strings"
)

// ChatStream runs one streaming turn. The returned channel follows the
// adapter contract: deltas in provider emission order, one final chunk
// with Done=true. The assistant message is appended to the session only
// when the stream finishes with stop or length; a client disconnect
// cancels ctx, which aborts the upstream call and discards partial output.
func (o *Orchestrator) ChatStream(ctx context.Context, identity, sessionID, userMessage string) (<-chan StreamChunk, error) {
	snap := o.sessions.Get(sessionID)
	if snap == nil {
		return nil, Ef(KindSessionUnknown, "session %q not found", sessionID)
	}
	if snap.Status == SessionEnded {
		return nil, Ef(KindSessionEnded, "session %q has ended", sessionID)
	}

	info, ok := o.registry.Get(snap.Config.Provider)
	if !ok {
		return nil, Ef(KindProviderUnavailable, "provider %q not configured", snap.Config.Provider)
	}

	out := make(chan StreamChunk, 64)

	// The session lock is held by this goroutine for the whole turn so the
	// append-stream-append cycle stays ordered; ctx cancellation releases
	// it by aborting the upstream read.
	go func() {
		defer close(out)

		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := o.sessions.Mutate(sessionID, func(sess *Session) error {
			if sess.Status == SessionEnded {
				return Ef(KindSessionEnded, "session %q has ended", sessionID)
			}

			mark := len(sess.Messages)

			if err := appendLocked(sess, Message{Role: "user", Content: userMessage}); err != nil {
				return err
			}

			if err := o.maybeSummarize(ctx, sess, info); err != nil {
				sess.Messages = sess.Messages[:mark]
				return err
			}

			callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
			defer cancel()

			chunks, err := info.Provider.ChatStream(callCtx, ChatRequest{
				Model:       sess.Config.Model,
				Messages:    sess.Messages,
				Tools:       sess.Config.Tools,
				Temperature: sess.Config.Temperature,
				MaxTokens:   sess.Config.MaxTokens,
			})
			if err != nil {
				sess.Messages = sess.Messages[:mark]
				return o.classifyProviderErr(sess.Config.Provider, err)
			}

			var content strings.Builder
			var final *StreamChunk

			for chunk := range chunks {
				if chunk.Error != nil {
					sess.Messages = sess.Messages[:mark]
					return o.classifyProviderErr(sess.Config.Provider, chunk.Error)
				}

				content.WriteString(chunk.Delta)

				if chunk.Done {
					c := chunk
					final = &c
				}

				if !send(chunk) {
					// Client gone: the deferred cancel aborts the upstream;
					// partial output is discarded, the user message stays.
					return nil
				}
			}

			if final == nil {
				// Upstream ended without a done marker (cancellation).
				return nil
			}

			if final.FinishReason != FinishStop && final.FinishReason != FinishLength {
				return nil
			}

			assistant := Message{
				Role:     "assistant",
				Content:  content.String(),
				Provider: sess.Config.Provider,
			}

			var usage Usage
			if final.Usage != nil {
				usage = *final.Usage
				assistant.Tokens = usage.OutputTokens
			}

			if err := appendLocked(sess, assistant); err != nil {
				return err
			}

			sess.Usage.InputTokens += usage.InputTokens
			sess.Usage.TotalTokens = sess.Usage.InputTokens + sess.Usage.OutputTokens
			sess.Usage.Cost += usage.Cost

			o.account(identity, usage)

			return nil
		})
		if err != nil {
			send(StreamChunk{Error: err})
		}
	}()

	return out, nil
}
