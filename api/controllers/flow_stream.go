package controllers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angelmondragon/coaching-payflow/api/responses"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamReadLimit  = 512
	streamBuffer     = 32
)

// StreamMessageType tags frames sent on the flow stream.
type StreamMessageType string

const (
	StreamMessageSnapshot StreamMessageType = "flow_snapshot"
	StreamMessageRemoved  StreamMessageType = "flow_removed"
)

// StreamMessage is one websocket frame.
type StreamMessage struct {
	Type      StreamMessageType `json:"type"`
	FlowID    string            `json:"flowId"`
	Flow      *flowstore.Flow   `json:"flow,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// FlowStream upgrades to a websocket and pushes every state change of the flow, starting
// with the current snapshot. A client that cannot keep up is disconnected.
func FlowStream(svc PaymentFlowService, allowedOrigins []string, logg *logger.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}

		events := make(chan flowstore.Event, streamBuffer)
		overflow := make(chan struct{})
		var overflowOnce sync.Once

		hook, err := svc.Bind(flowID, func(event flowstore.Event) {
			select {
			case events <- event:
			default:
				overflowOnce.Do(func() { close(overflow) })
			}
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		defer hook.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithFlowID(r.Context(), flowID), "flow_stream.upgrade_failed")
			}
			return
		}
		defer conn.Close()

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFlowID(ctx, flowID)
			logg.Info(ctx, "flow_stream.opened")
			defer logg.Info(ctx, "flow_stream.closed")
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(streamReadLimit)
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-overflow:
				if logg != nil {
					logg.Warn(ctx, "flow_stream.slow_consumer")
				}
				closeStream(conn, websocket.ClosePolicyViolation, "slow consumer")
				return
			case event := <-events:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(streamMessage(event)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func streamMessage(event flowstore.Event) StreamMessage {
	msg := StreamMessage{
		Type:      StreamMessageSnapshot,
		FlowID:    event.FlowID,
		Timestamp: time.Now().UnixMilli(),
	}
	if event.Removed {
		msg.Type = StreamMessageRemoved
		return msg
	}
	flow := event.Flow
	msg.Flow = &flow
	return msg
}

func closeStream(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(streamWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// originChecker allows requests without an Origin header (non-browser clients), any
// listed origin, or everything when "*" is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
