package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// TickerStream maintains a websocket subscription to live ticker
// updates. The agent uses it for intra-cycle mark prices; the REST
// ticker snapshot remains the authoritative cycle input.
type TickerStream struct {
	url    string
	logger zerolog.Logger

	mu      sync.RWMutex
	symbols []string
	prices  map[string]float64
	updated map[string]time.Time

	out chan models.Ticker
}

// NewTickerStream creates a stream against the given websocket URL.
func NewTickerStream(url string, logger zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:     url,
		logger:  logger,
		prices:  make(map[string]float64),
		updated: make(map[string]time.Time),
		out:     make(chan models.Ticker, 256),
	}
}

// Subscribe replaces the symbol subscription set. Takes effect on the
// next (re)connect.
func (s *TickerStream) Subscribe(symbols []string) {
	s.mu.Lock()
	s.symbols = append([]string(nil), symbols...)
	s.mu.Unlock()
}

// Updates returns the channel of live ticker updates. Slow consumers
// drop updates rather than blocking the read loop.
func (s *TickerStream) Updates() <-chan models.Ticker {
	return s.out
}

// Price returns the last streamed price for a symbol and its age.
func (s *TickerStream) Price(symbol string) (float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, s.updated[symbol], ok
}

// Run connects and pumps updates until the context is done,
// reconnecting with backoff on failure.
func (s *TickerStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("ticker stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

type streamEvent struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	Volume24h float64 `json:"v,string"`
	Change24h float64 `json:"c,string"`
	EventTime int64   `json:"t"`
}

func (s *TickerStream) runOnce(ctx context.Context) error {
	s.mu.RLock()
	symbols := append([]string(nil), s.symbols...)
	s.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": tickerStreams(symbols),
		"id":     time.Now().UnixNano(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.logger.Info().Int("symbols", len(symbols)).Msg("ticker stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev streamEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Symbol == "" {
			continue
		}
		ticker := models.Ticker{
			Symbol:    ev.Symbol,
			Price:     ev.Price,
			Volume24h: ev.Volume24h,
			Change24h: ev.Change24h,
			Timestamp: time.UnixMilli(ev.EventTime).UTC(),
		}
		s.mu.Lock()
		s.prices[ev.Symbol] = ev.Price
		s.updated[ev.Symbol] = ticker.Timestamp
		s.mu.Unlock()

		select {
		case s.out <- ticker:
		default:
		}
	}
}

func tickerStreams(symbols []string) []string {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@ticker")
	}
	return streams
}
