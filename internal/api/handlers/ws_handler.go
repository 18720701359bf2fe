package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/threadline/internal/models"
	mongorepo "github.com/yoockh/threadline/internal/repositories/mongo"
	"github.com/yoockh/threadline/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// WSHandler lets extra clients watch a thread's generations. It is read
// only: events come from Redis, and journaled chunks of the in-flight
// message are replayed first.
type WSHandler struct {
	redis    *redis.Client
	journal  mongorepo.ChunkRepository // optional
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(rdb *redis.Client, journal mongorepo.ChunkRepository, log *logrus.Logger, checkOrigin func(*http.Request) bool) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		redis:    rdb,
		journal:  journal,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// seen tracks the highest seq delivered per message.
type seen map[string]int64

func (s seen) fresh(ev models.ChunkEvent) bool {
	if last, ok := s[ev.MessageID]; ok && ev.Seq <= last {
		return false
	}
	s[ev.MessageID] = ev.Seq
	return true
}

func (h *WSHandler) ThreadWS(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	threadID := c.Param("thread_id")
	if _, err := dc.GetThread(c.Request.Context(), threadID); err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := h.log.WithField("thread_id", threadID)

	// subscribe before replaying so nothing published in between is lost
	pubsub := h.redis.Subscribe(ctx, services.EventsChannel(threadID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.WithError(err).Warn("observer subscribe failed")
		return
	}
	live := pubsub.Channel()

	sent := seen{}
	if err := h.replay(ctx, dc.GetThread, threadID, wc, sent); err != nil {
		log.WithError(err).Debug("observer replay stopped")
		return
	}

	// reader: only keeps the deadline fresh and notices the close
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		case m, ok := <-live:
			if !ok {
				return
			}
			var ev models.ChunkEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.WithError(err).Warn("dropping undecodable event")
				continue
			}
			if !sent.fresh(ev) {
				continue
			}
			if err := wc.writeJSON(ev); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) replay(ctx context.Context, get func(context.Context, string) (*models.ContextThread, error), threadID string, wc *wsConn, sent seen) error {
	if h.journal == nil {
		return nil
	}
	t, err := get(ctx, threadID)
	if err != nil {
		return err
	}
	m := t.StreamingMessage()
	if m == nil {
		return nil
	}

	recs, err := h.journal.ListByMessage(ctx, m.ID, 0)
	if err != nil {
		// live events still flow
		h.log.WithError(err).WithField("message_id", m.ID).Warn("chunk journal unavailable")
		return nil
	}
	for _, r := range recs {
		ev := models.ChunkEvent{
			Type:      models.EventChunk,
			ThreadID:  r.ThreadID,
			MessageID: r.MessageID,
			Seq:       r.Seq,
			Delta:     r.Delta,
			Status:    models.StatusStreaming,
		}
		if !sent.fresh(ev) {
			continue
		}
		if err := wc.writeJSON(ev); err != nil {
			return err
		}
	}
	return nil
}
