// Package telegram is the Telegram Bot API connector plugin. It long-polls
// for updates, persists the update offset across restarts and downloads
// photo and document attachments into the file store.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/fsutil"
	"github.com/user/scout/internal/retry"
	"github.com/user/scout/internal/types"
)

const (
	maxTelegramMessage = 4096
	pollTimeout        = 30
	typingInterval     = 4 * time.Second
	source             = "telegram"
)

// botAPI is the subset of *tgbotapi.BotAPI the connector uses.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options configures a Connector.
type Options struct {
	// Polling disabled leaves the connector send-only.
	Polling      bool
	ClearWebhook bool
	// StatePath holds the last seen update id. Empty disables persistence.
	StatePath string
	// Retry paces polling after errors. SendRetry bounds outbound sends
	// and defaults to retry.DefaultPolicy.
	Retry         retry.Policy
	SendRetry     retry.Policy
	ConflictDelay time.Duration
	SendRate      rate.Limit
	Files         *files.Store
	HTTPClient    *http.Client
	Logger        *slog.Logger
	OnFatal       func(reason string, err error)
}

type offsetState struct {
	LastUpdateID int `json:"lastUpdateId"`
}

// Connector bridges one Telegram bot to the engine.
type Connector struct {
	bot     botAPI
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu             sync.Mutex
	handlers       map[int]connector.MessageHandler
	nextHandler    int
	lastUpdateID   int
	hasOffset      bool
	clearedWebhook bool
	shuttingDown   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newConnector(bot botAPI, opts Options) *Connector {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "connector.telegram")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.ConflictDelay <= 0 {
		opts.ConflictDelay = time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = rate.Every(time.Second / 25)
	}
	if opts.SendRetry.MaxAttempts == 0 {
		opts.SendRetry = *retry.DefaultPolicy()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = isTransient
	}
	if opts.SendRetry.Retryable == nil {
		opts.SendRetry.Retryable = isTransient
	}
	return &Connector{
		bot:      bot,
		opts:     opts,
		logger:   opts.Logger,
		limiter:  rate.NewLimiter(opts.SendRate, 5),
		handlers: make(map[int]connector.MessageHandler),
	}
}

// Start restores the saved offset and begins polling in the background.
func (c *Connector) Start() {
	c.loadState()
	if !c.opts.Polling {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.poll(ctx)
}

func (c *Connector) OnMessage(handler connector.MessageHandler) func() {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// SendMessage sends text, or the files with the text as the first caption.
func (c *Connector) SendMessage(ctx context.Context, targetID string, msg types.ConnectorMessage) error {
	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", targetID, err)
	}
	if len(msg.Files) == 0 {
		for _, part := range splitMessage(msg.TextOrEmpty()) {
			if err := c.send(ctx, tgbotapi.NewMessage(chatID, part)); err != nil {
				return err
			}
		}
		return nil
	}
	for i, f := range msg.Files {
		caption := ""
		if i == 0 {
			caption = msg.TextOrEmpty()
		}
		if err := c.send(ctx, fileMessage(chatID, f, caption)); err != nil {
			return err
		}
	}
	return nil
}

func fileMessage(chatID int64, f types.FileReference, caption string) tgbotapi.Chattable {
	if strings.HasPrefix(f.MimeType, "image/") {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(f.Path))
		photo.Caption = caption
		return photo
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(f.Path))
	doc.Caption = caption
	return doc
}

func (c *Connector) send(ctx context.Context, msg tgbotapi.Chattable) error {
	err := c.opts.SendRetry.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.bot.Send(msg)
		if err != nil {
			c.logger.Debug("telegram send attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// StartTyping shows the typing indicator until stop is called.
func (c *Connector) StartTyping(targetID string) func() {
	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				c.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Shutdown stops polling and saves the offset. Polling is never restarted
// afterwards.
func (c *Connector) Shutdown(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.logger.Info("telegram connector stopping", "reason", reason)
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.persistState()
	return nil
}

func (c *Connector) poll(ctx context.Context) {
	defer close(c.done)

	if c.opts.ClearWebhook {
		c.clearWebhook()
	}
	attempt := 0
	for ctx.Err() == nil {
		updates, err := c.bot.GetUpdates(tgbotapi.UpdateConfig{Offset: c.offset(), Timeout: pollTimeout})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if isConflict(err) {
				if c.webhookCleared() {
					c.logger.Warn("telegram polling stopped (another instance is polling)", "error", err)
					if c.opts.OnFatal != nil {
						c.opts.OnFatal("polling_conflict", err)
					}
					return
				}
				c.logger.Warn("telegram polling conflict; clearing webhook and retrying", "error", err)
				if retry.Sleep(ctx, c.opts.ConflictDelay) != nil {
					return
				}
				c.clearWebhook()
				continue
			}
			attempt++
			if !c.opts.Retry.ShouldRetry(err, attempt) {
				c.logger.Warn("telegram polling stopped (permanent error)", "error", err)
				if c.opts.OnFatal != nil {
					c.opts.OnFatal("polling_failed", err)
				}
				return
			}
			delay := c.opts.Retry.NextDelay(attempt)
			c.logger.Warn("telegram polling error, retrying", "error", err, "delay", delay)
			if retry.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0

		for _, update := range updates {
			c.handleUpdate(update)
		}
		if len(updates) > 0 {
			c.persistState()
		}
	}
}

func (c *Connector) handleUpdate(update tgbotapi.Update) {
	c.mu.Lock()
	if !c.hasOffset || update.UpdateID > c.lastUpdateID {
		c.lastUpdateID = update.UpdateID
		c.hasOffset = true
	}
	c.mu.Unlock()

	message := update.Message
	if message == nil || message.Chat == nil {
		return
	}
	payload := types.ConnectorMessage{Files: c.extractFiles(message)}
	switch {
	case message.Text != "":
		payload.Text = types.Ptr(message.Text)
	case message.Caption != "":
		payload.Text = types.Ptr(message.Caption)
	}
	mctx := types.MessageContext{ChannelID: strconv.FormatInt(message.Chat.ID, 10)}
	if message.From != nil {
		mctx.UserID = types.Ptr(strconv.FormatInt(message.From.ID, 10))
	}

	c.mu.Lock()
	handlers := make([]connector.MessageHandler, 0, len(c.handlers))
	for i := 0; i < c.nextHandler; i++ {
		if h, ok := c.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload, mctx)
	}
}

func (c *Connector) extractFiles(message *tgbotapi.Message) []types.FileReference {
	if c.opts.Files == nil {
		return nil
	}
	var refs []types.FileReference
	if len(message.Photo) > 0 {
		largest := message.Photo[0]
		for _, p := range message.Photo[1:] {
			if p.FileSize > largest.FileSize {
				largest = p
			}
		}
		if ref, ok := c.download(largest.FileID, "photo-"+largest.FileID+".jpg", "image/jpeg"); ok {
			refs = append(refs, ref)
		}
	}
	if doc := message.Document; doc != nil && doc.FileID != "" {
		name := doc.FileName
		if name == "" {
			name = "document-" + doc.FileID
		}
		mimeType := doc.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if ref, ok := c.download(doc.FileID, name, mimeType); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (c *Connector) download(fileID, name, mimeType string) (types.FileReference, bool) {
	url, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		c.logger.Warn("telegram file download failed", "file_id", fileID, "error", err)
		return types.FileReference{}, false
	}
	resp, err := c.opts.HTTPClient.Get(url)
	if err != nil {
		c.logger.Warn("telegram file download failed", "file_id", fileID, "error", err)
		return types.FileReference{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("telegram file download failed", "file_id", fileID, "status", resp.StatusCode)
		return types.FileReference{}, false
	}
	stored, err := c.opts.Files.SaveReader(name, mimeType, source, resp.Body)
	if err != nil {
		c.logger.Warn("telegram file save failed", "file_id", fileID, "error", err)
		return types.FileReference{}, false
	}
	return stored.Reference(), true
}

func (c *Connector) clearWebhook() {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		c.logger.Warn("failed to clear telegram webhook", "error", err)
		return
	}
	c.mu.Lock()
	c.clearedWebhook = true
	c.mu.Unlock()
	c.logger.Info("telegram webhook cleared for polling")
}

func (c *Connector) webhookCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearedWebhook
}

func (c *Connector) offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasOffset {
		return 0
	}
	return c.lastUpdateID + 1
}

func (c *Connector) loadState() {
	if c.opts.StatePath == "" {
		return
	}
	data, err := os.ReadFile(c.opts.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("telegram connector state load failed", "error", err)
		}
		return
	}
	var state offsetState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("telegram connector state load failed", "error", err)
		return
	}
	c.mu.Lock()
	c.lastUpdateID = state.LastUpdateID
	c.hasOffset = true
	c.mu.Unlock()
}

func (c *Connector) persistState() {
	c.mu.Lock()
	state, ok := offsetState{LastUpdateID: c.lastUpdateID}, c.hasOffset
	c.mu.Unlock()
	if c.opts.StatePath == "" || !ok {
		return
	}
	if err := fsutil.WriteJSONAtomic(c.opts.StatePath, state, 0o644); err != nil {
		c.logger.Warn("telegram connector state persist failed", "error", err)
	}
}

func isConflict(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == http.StatusConflict
}

// isTransient treats Bot API rate limits and server errors as retryable and
// every other API error code as permanent. Transport errors fall back to
// retry.IsRetryable.
func isTransient(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.Code != 0 {
		return tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= http.StatusInternalServerError
	}
	return retry.IsRetryable(err)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
