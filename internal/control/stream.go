package control

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fundingarb-core/pkg/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the event categories pushed to every connected
// client; BBO ticks are deliberately excluded here since they would
// flood a generic client subscribed to every symbol an instance
// trades — a future per-symbol stream endpoint can subscribe to
// eventbus.TopicBBO directly.
var streamTopics = []eventbus.Topic{
	eventbus.TopicPositionOpened,
	eventbus.TopicPositionClosed,
	eventbus.TopicInsufficientMargin,
	eventbus.TopicLiquidationRisk,
}

// getStream upgrades to a websocket and pushes every notification
// event published on the instance's bus until the client disconnects.
func (s *Server) getStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	type subscription struct {
		topic eventbus.Topic
		ch    <-chan any
		unsub func()
	}
	subs := make([]subscription, 0, len(streamTopics))
	for _, t := range streamTopics {
		ch, unsub := s.bus.Subscribe(t, 64)
		subs = append(subs, subscription{topic: t, ch: ch, unsub: unsub})
	}
	defer func() {
		for _, sub := range subs {
			sub.unsub()
		}
	}()

	merged := make(chan any, 256)
	done := make(chan struct{})
	for _, sub := range subs {
		go func(ch <-chan any) {
			for msg := range ch {
				select {
				case merged <- msg:
				case <-done:
					return
				}
			}
		}(sub.ch)
	}
	defer close(done)

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debugw("stream write stopped", "err", err)
			return
		}
	}
}
