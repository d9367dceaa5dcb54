// Package telegram adapts a Telegram bot to the primary channel boundary.
// Bot credentials are token-based, so the pairing phase collapses: the
// adapter reports authenticated and ready as soon as polling starts and
// never produces a pairing code.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/casewatch/casewatch/internal/channel"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

const (
	defaultPollTimeout = 10 * time.Second
	eventBufferSize    = 64
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Client is one bot connection. It is discarded and rebuilt on recovery;
// the session directory is unused because bot credentials live server-side.
type Client struct {
	bot    *tele.Bot
	logger *zap.Logger
	events chan channel.Event

	mu        sync.Mutex
	connected bool
	started   bool
	stopped   bool
}

// NewFactory returns a channel.ClientFactory building bot clients.
func NewFactory(cfg Config, logger *zap.Logger) channel.ClientFactory {
	return func(sessionDir string) (channel.Client, error) {
		return NewClient(cfg, logger)
	}
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		logger: logger,
		events: make(chan channel.Event, eventBufferSize),
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.pollError(err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bot client: %w", err)
	}
	c.bot = bot

	return c, nil
}

// Start launches long polling. Token verification already happened at
// construction, so the client is authenticated the moment polling begins.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.connected = true
	c.mu.Unlock()

	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		c.setConnected(true)
		c.emit(channel.Event{Type: channel.EventMessage})
		return nil
	})

	c.emit(channel.Event{Type: channel.EventAuthenticated})
	c.emit(channel.Event{Type: channel.EventReady})

	go c.bot.Start()
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.connected = false
	started := c.started
	c.mu.Unlock()

	if started {
		c.bot.Stop()
	}
	close(c.events)
	return nil
}

func (c *Client) Events() <-chan channel.Event {
	return c.events
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send delivers text to the chat id in address. A successful round trip
// also proves connectivity, so it clears any poll-error flag.
func (c *Client) Send(ctx context.Context, address string, text string) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", address, err)
	}

	message, err := c.bot.Send(tele.ChatID(chatID), text)
	if err != nil {
		c.setConnected(false)
		return "", fmt.Errorf("bot send failed: %w", err)
	}

	c.setConnected(true)
	return strconv.Itoa(message.ID), nil
}

func (c *Client) pollError(err error) {
	c.logger.Warn("bot poll error", zap.Error(err))
	c.setConnected(false)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Client) emit(event channel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	select {
	case c.events <- event:
	default:
		c.logger.Warn("event dropped, consumer too slow")
	}
}
