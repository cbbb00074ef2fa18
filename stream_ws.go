package casewire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type WebSocketStreamSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebSocketStreamSettings() *WebSocketStreamSettings {
	return &WebSocketStreamSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// WebSocketStream is the push transport for deployments that expose the
// event stream over a websocket instead of the long-poll. Frames are
// json change batches; they feed the same dispatch path as the poll
// loop, so subscribers cannot tell the transports apart. Reconnects on
// error until closed or the client is disabled.
type WebSocketStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	client     *StreamClient
	wsUrl      string
	sessionJwt string

	settings *WebSocketStreamSettings
}

func NewWebSocketStreamWithDefaults(
	ctx context.Context,
	client *StreamClient,
	wsUrl string,
	sessionJwt string,
) *WebSocketStream {
	return NewWebSocketStream(ctx, client, wsUrl, sessionJwt, DefaultWebSocketStreamSettings())
}

func NewWebSocketStream(
	ctx context.Context,
	client *StreamClient,
	wsUrl string,
	sessionJwt string,
	settings *WebSocketStreamSettings,
) *WebSocketStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &WebSocketStream{
		ctx:        cancelCtx,
		cancel:     cancel,
		client:     client,
		wsUrl:      wsUrl,
		sessionJwt: sessionJwt,
		settings:   settings,
	}
	go stream.run()
	return stream
}

func (self *WebSocketStream) run() {
	defer self.cancel()

	for {
		if self.client.IsDisabled() {
			return
		}

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			if self.sessionJwt != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", self.sessionJwt))
			}
			ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
			return ws, err
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[wss]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			ws.SetPongHandler(func(string) error {
				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				return nil
			})

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						deadline := time.Now().Add(self.settings.WriteTimeout)
						if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
							// a deadline timeout cannot be recovered
							glog.Infof("[wss]-> ping error = %s\n", err)
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}
				if self.client.IsDisabled() {
					return
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[wss]<- error = %s\n", err)
					return
				}

				switch messageType {
				case websocket.TextMessage, websocket.BinaryMessage:
					if len(message) == 0 {
						continue
					}
					events := []ChangeEvent{}
					if err := json.Unmarshal(message, &events); err != nil {
						glog.Infof("[wss]<- bad frame = %s\n", err)
						continue
					}
					glog.V(2).Infof("[wss]<- %d events\n", len(events))
					self.client.handleBatch(events)
				default:
					glog.V(2).Infof("[wss]<- other=%d\n", messageType)
				}
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WebSocketStream) Close() {
	self.cancel()
}
