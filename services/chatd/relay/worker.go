// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
	"github.com/auklet-ai/auklet/services/llm"
)

// Worker drives one generation call on a dedicated goroutine and feeds
// the producer end of a relay.
//
// # Description
//
// The worker adapts llm.LLMClient.ChatStream to the relay contract:
// every engine token becomes a Send, a clean engine return becomes Done,
// an engine error becomes Fail, and consumer cancellation ends the run
// with no terminal event at all. The goroutine does not exit until the
// engine call has fully returned, so Wait is a real join: after it
// returns, no engine code is still running for this exchange.
type Worker struct {
	done chan struct{}
	err  error
}

// StartGeneration launches the generation goroutine.
//
// # Inputs
//
//   - ctx: Cancels the engine call. Pair it with the relay's Cancel so
//     the engine stops promptly instead of generating into a dead relay.
//   - client: The LLM backend.
//   - messages: Full prompt window, oldest first.
//   - params: Explicit sampling settings.
//   - sender: Producer end of the relay. The worker owns it from now on.
//
// # Outputs
//
//   - *Worker: Join handle. Call Wait exactly once.
func StartGeneration(ctx context.Context, client llm.LLMClient, messages []datatypes.Message,
	params llm.GenerationParams, sender *Sender) *Worker {

	w := &Worker{done: make(chan struct{})}
	go w.run(ctx, client, messages, params, sender)
	return w
}

func (w *Worker) run(ctx context.Context, client llm.LLMClient, messages []datatypes.Message,
	params llm.GenerationParams, sender *Sender) {

	defer close(w.done)

	streamErr := client.ChatStream(ctx, messages, params, func(event llm.StreamEvent) error {
		// Check cancellation between tokens so a slow engine stops at the
		// next emission rather than running to completion.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch event.Type {
		case llm.StreamEventToken:
			if event.Content == "" {
				return nil
			}
			return sender.Send(event.Content)
		case llm.StreamEventError:
			if event.Err != nil {
				return event.Err
			}
			return fmt.Errorf("engine reported an error without details")
		default:
			slog.Warn("ignoring unknown stream event type", "type", string(event.Type))
			return nil
		}
	})

	switch {
	case streamErr == nil:
		// A cancel that lands after the engine finished still means no
		// terminal event; Done drops it in that case.
		sender.Done()
	case errors.Is(streamErr, ErrCancelled), errors.Is(streamErr, context.Canceled):
		// Cancelled by the consumer: close silently.
		w.err = streamErr
	default:
		w.err = streamErr
		sender.Fail(streamErr)
	}
}

// Wait blocks until the generation goroutine has exited, engine call
// included, and returns the error the run ended with. Cancellation
// surfaces here as ErrCancelled or context.Canceled; those runs emitted
// no terminal event.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}
