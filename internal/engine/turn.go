package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/inference"
	"github.com/user/scout/internal/prompt"
	"github.com/user/scout/internal/session"
	"github.com/user/scout/internal/types"
	"github.com/user/scout/pkg/llm"
)

// Replies sent to the user when a turn cannot produce an answer. Details
// go to the log only.
const (
	internalErrorText      = "Internal error."
	inferenceFailedText    = "Inference failed."
	noProviderText         = "No inference provider available."
	toolLimitText          = "Tool execution limit reached."
	generatedFilesFallback = "Generated files."
)

// turnResult is what the tool loop produced for one inbound message.
type turnResult struct {
	text         string
	files        []types.FileReference
	limitReached bool
}

// handleSessionMessage runs one inbound message through inference and the
// tool loop, replies on the originating connector, then persists the reply
// and the updated state.
func (e *Engine) handleSessionMessage(ctx context.Context, sess *session.Session[SessionState], entry *types.SessionMessage, source string) error {
	msg := entry.Message
	if msg.TextOrEmpty() == "" && len(msg.Files) == 0 {
		return nil
	}
	conn, ok := e.connectors.Get(source)
	if !ok {
		e.logger.Debug("no connector for session source", "session_id", string(sess.ID), "source", source)
		return nil
	}
	logger := e.logger.With("session_id", string(sess.ID), "source", source)
	mctx := entry.Context

	sess.State.Messages = append(sess.State.Messages, e.userMessage(msg))

	stopTyping := func() {}
	if typer, ok := conn.(connector.Typer); ok {
		stopTyping = typer.StartTyping(mctx.ChannelID)
	}
	result, err := e.runTurn(ctx, sess, source, mctx)
	stopTyping()

	if err != nil {
		text := inferenceFailedText
		if errors.Is(err, inference.ErrNoProvider) {
			text = noProviderText
		}
		logger.Warn("inference failed", "error", err)
		e.reply(ctx, conn, sess, source, mctx, types.ConnectorMessage{Text: types.Ptr(text)})
		e.recordState(ctx, sess)
		return nil
	}

	if result.text == "" && len(result.files) == 0 {
		if result.limitReached {
			e.reply(ctx, conn, sess, source, mctx, types.ConnectorMessage{Text: types.Ptr(toolLimitText)})
		}
		e.recordState(ctx, sess)
		return nil
	}

	text := result.text
	if text == "" {
		text = generatedFilesFallback
	}
	out := types.ConnectorMessage{Text: types.Ptr(text), Files: result.files}
	e.reply(ctx, conn, sess, source, mctx, out)
	e.bus.Emit(events.TypeSessionOutgoing, map[string]any{
		"sessionId": sess.ID,
		"source":    source,
		"message":   out,
		"context":   mctx,
	})
	e.recordState(ctx, sess)
	return nil
}

// runTurn calls inference until the model stops asking for tools, at most
// maxToolIterations times. Tool results are appended to the session state
// as they arrive.
func (e *Engine) runTurn(ctx context.Context, sess *session.Session[SessionState], source string, mctx types.MessageContext) (*turnResult, error) {
	settings := e.Settings()
	data := prompt.Data{
		Name:         settings.Assistant.Name,
		SessionID:    string(sess.ID),
		Source:       source,
		Tools:        e.tools.Names(),
		Instructions: settings.Assistant.SystemPrompt,
	}
	tools := e.tools.ListTools()
	hooks := e.inferenceHooks(sess.ID)
	ec := e.executionContext(sess.ID, source, mctx)

	result := &turnResult{}
	var last *llm.Message
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		data.Time = e.clock.Now().Format(time.RFC3339)
		conv, err := e.window.Load().Build(data, sess.State.Messages, tools)
		if err != nil {
			return nil, err
		}
		res, err := e.router.Complete(ctx, conv, string(sess.ID), hooks)
		if err != nil {
			return nil, err
		}
		reply := *res.Message
		reply.Role = llm.RoleAssistant
		sess.State.Messages = append(sess.State.Messages, reply)
		last = &reply

		if len(reply.ToolCalls) == 0 {
			break
		}
		for _, call := range reply.ToolCalls {
			executed := e.tools.Execute(ctx, call, ec)
			sess.State.Messages = append(sess.State.Messages, *executed.Message)
			result.files = append(result.files, executed.Files...)
		}
		if iteration == maxToolIterations-1 {
			result.limitReached = true
		}
	}
	if last != nil {
		result.text = strings.TrimSpace(last.Content)
	}
	return result, nil
}

func (e *Engine) inferenceHooks(sessionID types.SessionKey) inference.Hooks {
	logger := e.logger.With("session_id", string(sessionID))
	return inference.Hooks{
		OnAttempt: func(providerID, modelID string) {
			logger.Debug("inference attempt", "provider", providerID, "model", modelID)
		},
		OnFallback: func(providerID string, err error) {
			logger.Warn("inference fallback", "provider", providerID, "error", err)
		},
		OnSuccess: func(providerID, modelID string, msg *llm.Message) {
			logger.Debug("inference succeeded", "provider", providerID, "model", modelID, "tool_calls", len(msg.ToolCalls))
		},
		OnFailure: func(providerID string, err error) {
			logger.Warn("inference failed", "provider", providerID, "error", err)
		},
	}
}

// userMessage converts an inbound message for the model. Images are
// inlined as data URLs; other attachments become a short note.
func (e *Engine) userMessage(msg types.ConnectorMessage) llm.Message {
	out := llm.Message{Role: llm.RoleUser}
	var parts []string
	if text := msg.TextOrEmpty(); text != "" {
		parts = append(parts, text)
	}
	for _, f := range msg.Files {
		if strings.HasPrefix(f.MimeType, "image/") {
			data, err := os.ReadFile(f.Path)
			if err == nil {
				out.Images = append(out.Images, "data:"+f.MimeType+";base64,"+base64.StdEncoding.EncodeToString(data))
				continue
			}
			e.logger.Warn("failed to read image attachment", "file_id", string(f.ID), "error", err)
		}
		parts = append(parts, fmt.Sprintf("File received: %s (%s, %d bytes)", f.Name, f.MimeType, f.Size))
	}
	out.Content = strings.Join(parts, "\n")
	return out
}

// reply sends msg on conn and records it as outgoing. Send failures are
// logged; the reply is still recorded so the turn is closed in the log.
func (e *Engine) reply(ctx context.Context, conn connector.Connector, sess *session.Session[SessionState], source string, mctx types.MessageContext, msg types.ConnectorMessage) {
	if err := conn.SendMessage(ctx, mctx.ChannelID, msg); err != nil {
		e.logger.Warn("failed to send reply", "session_id", string(sess.ID), "source", source, "error", err)
	}
	if err := e.store.RecordOutgoing(ctx, sess, types.NewMessageID(), source, mctx, msg); err != nil {
		e.logger.Warn("failed to persist outgoing message", "session_id", string(sess.ID), "error", err)
	}
}

func (e *Engine) recordState(ctx context.Context, sess *session.Session[SessionState]) {
	sess.Touch(e.clock.Now())
	if err := e.store.RecordState(ctx, sess); err != nil {
		e.logger.Warn("failed to persist session state", "session_id", string(sess.ID), "error", err)
	}
}
