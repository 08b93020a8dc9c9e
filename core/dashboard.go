package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DashboardSink forwards telemetry events to an external dashboard over a
// WebSocket connection. Enabled by DASHBOARD_TELEMETRY_URL. The sink keeps
// its own bounded queue so a slow or absent dashboard never stalls the bus;
// overflow drops the oldest queued event.
type DashboardSink struct {
	url string
	log *logrus.Logger

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

const dashboardQueueDepth = 256

// NewDashboardSink starts the forwarding loop towards url.
func NewDashboardSink(url string, lg *logrus.Logger) *DashboardSink {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	s := &DashboardSink{
		url:   url,
		log:   lg,
		queue: make(chan Event, dashboardQueueDepth),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *DashboardSink) Consume(ev Event) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
		default:
		}
	}
}

func (s *DashboardSink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *DashboardSink) run() {
	defer s.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		if conn == nil {
			select {
			case <-s.done:
				return
			default:
			}
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			c, _, err := dialer.Dial(s.url, nil)
			if err != nil {
				wait := bo.NextBackOff()
				s.log.WithFields(logrus.Fields{"url": s.url, "retry_in": wait}).
					Debugf("dashboard dial failed: %v", err)
				select {
				case <-time.After(wait):
					continue
				case <-s.done:
					return
				}
			}
			bo.Reset()
			conn = c
			s.log.Infof("dashboard telemetry connected to %s", s.url)
		}

		select {
		case ev := <-s.queue:
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warnf("dashboard event marshal: %v", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warnf("dashboard write: %v", err)
				_ = conn.Close()
				conn = nil
			}
		case <-s.done:
			return
		}
	}
}
