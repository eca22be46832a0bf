package venue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamURL        = "wss://fstream.binance.com/ws/!markPrice@arr@1s"
	streamTestnetURL = "wss://stream.binancefuture.com/ws/!markPrice@arr@1s"

	maxReconnectDelay = time.Minute
)

// markPriceEvent is one element of the all-market mark price stream.
type markPriceEvent struct {
	Symbol    string  `json:"s"`
	MarkPrice float64 `json:"p,string"`
	EventTime int64   `json:"E"`
}

// PriceStream subscribes to the venue's all-market mark price stream and
// keeps a PriceCache current so the trailing pass rarely needs a REST
// round trip for prices.
type PriceStream struct {
	mu        sync.Mutex
	cache     *PriceCache
	url       string
	conn      *websocket.Conn
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	log       zerolog.Logger

	reconnects int
	lastUpdate time.Time
}

// NewPriceStream creates a stream feeding cache.
func NewPriceStream(cache *PriceCache, testnet bool, log zerolog.Logger) *PriceStream {
	url := streamURL
	if testnet {
		url = streamTestnetURL
	}
	return &PriceStream{
		cache:    cache,
		url:      url,
		stopChan: make(chan struct{}),
		log:      log.With().Str("component", "price_stream").Logger(),
	}
}

// Start connects and begins feeding the cache. Reconnects on failure
// with capped backoff until Stop is called.
func (s *PriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

func (s *PriceStream) run() {
	defer s.wg.Done()

	delay := time.Second
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("stream dial failed")
			select {
			case <-time.After(delay):
			case <-s.stopChan:
				return
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		delay = time.Second
		s.mu.Lock()
		s.conn = conn
		s.reconnects++
		s.mu.Unlock()
		s.log.Info().Msg("mark price stream connected")

		s.readLoop(conn)

		select {
		case <-s.stopChan:
			return
		default:
			s.log.Warn().Msg("mark price stream disconnected, reconnecting")
		}
	}
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var events []markPriceEvent
		if err := json.Unmarshal(message, &events); err != nil {
			continue
		}

		for _, ev := range events {
			if ev.Symbol != "" {
				s.cache.Update(ev.Symbol, ev.MarkPrice)
			}
		}

		s.mu.Lock()
		s.lastUpdate = time.Now()
		s.mu.Unlock()
	}
}

// Stop closes the stream and waits for the read loop to exit.
func (s *PriceStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// LastUpdate returns when the stream last delivered data.
func (s *PriceStream) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}
