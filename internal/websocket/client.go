package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/internal/pipeline"
)

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the voice
// session. Inbound binary frames feed the session's recognizer; the session
// pushes synthesized audio and events back through the transport methods.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed when the connection unregisters; transport writes fail fast
	// after this instead of racing the send channel's close.
	closed chan struct{}

	// Connection ID, unique per websocket connection.
	connID string

	// Device ID for this client, extracted from the JWT.
	deviceID string

	// Logger
	logger *zap.Logger

	// Active voice session, nil until listening_start.
	session *pipeline.Session

	// Number of binary audio frames received on this connection.
	frameCount int

	mutex sync.Mutex
}

// Client delivers pipeline output over the websocket.
var _ pipeline.ClientTransport = (*Client)(nil)

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			// Process JSON messages (control messages, metadata)
			c.processControl(message)
		case websocket.BinaryMessage:
			// Process binary audio data directly
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processControl processes incoming control messages from the device
func (c *Client) processControl(message []byte) {
	msg, err := ParseControl(message)
	if err != nil {
		c.logger.Error("Failed to parse control message", zap.Error(err))
		c.sendJSON(NewErrorAck("error", "", err.Error()))
		return
	}

	switch msg.Type {
	case ControlListeningStart:
		c.handleListeningStart(msg)
	case ControlListeningEnd, ControlEndOfStream:
		c.handleListeningEnd(msg)
	}
}

// processBinaryAudioChunk feeds binary audio frames into the active session
func (c *Client) processBinaryAudioChunk(data []byte) {
	c.mutex.Lock()
	session := c.session
	c.frameCount++
	frame := pipeline.AudioFrame{Data: data, Seq: c.frameCount, ReceivedAt: time.Now()}
	c.mutex.Unlock()

	if session == nil {
		c.logger.Warn("Received binary audio chunk but no active session found",
			zap.String("connID", c.connID))
		return
	}

	if err := session.OnAudioFrame(frame); err != nil {
		if err == pipeline.ErrSessionClosed {
			c.logger.Warn("Dropping audio frame for closed session",
				zap.String("sessionID", session.ID))
			return
		}
		c.logger.Error("Failed to feed audio frame",
			zap.String("sessionID", session.ID),
			zap.Error(err))
	}
}

// handleListeningStart opens the voice session on first use. Subsequent
// listening_start frames on the same connection only acknowledge; the session
// rotates recognition streams between utterances on its own.
func (c *Client) handleListeningStart(msg *ControlMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		c.sendJSON(NewAck(ControlListeningStart, c.session.ID))
		return
	}

	audioConfig := c.hub.defaultAudio
	if msg.SampleRate > 0 {
		audioConfig.SampleRate = msg.SampleRate
	}
	if msg.Language != "" {
		audioConfig.Language = msg.Language
	}
	if msg.Encoding != "" {
		audioConfig.Encoding = msg.Encoding
	}

	session, err := c.hub.registry.Open(ctx, c.connID, c, audioConfig)
	if err != nil {
		c.logger.Error("Failed to open voice session",
			zap.String("connID", c.connID),
			zap.Error(err))
		c.sendJSON(NewErrorAck(ControlListeningStart, "", "failed to open session"))
		return
	}
	c.session = session

	c.logger.Info("Voice session started",
		zap.String("connID", c.connID),
		zap.String("sessionID", session.ID),
		zap.Int("sample_rate", audioConfig.SampleRate),
		zap.String("language", audioConfig.Language))

	c.sendJSON(NewAck(ControlListeningStart, session.ID))
}

// handleListeningEnd marks the end of the current utterance's audio.
func (c *Client) handleListeningEnd(msg *ControlMessage) {
	c.mutex.Lock()
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		c.sendJSON(NewErrorAck(msg.Type, "", "no active session"))
		return
	}

	if err := session.EndOfUtterance(); err != nil {
		c.logger.Error("Failed to end utterance",
			zap.String("sessionID", session.ID),
			zap.Error(err))
		c.sendJSON(NewErrorAck(msg.Type, session.ID, "failed to end utterance"))
		return
	}

	c.sendJSON(NewAck(msg.Type, session.ID))
}

// WriteSegment delivers one synthesized audio segment as a binary frame.
// A momentarily full send buffer drops the segment; pacing for a slow client
// is the session's bounded queue's job. An error means the connection is gone.
func (c *Client) WriteSegment(segment pipeline.AudioSegment) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.connID)
	default:
	}
	select {
	case c.send <- WriteData{Type: websocket.BinaryMessage, Payload: segment.Audio}:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.connID)
	default:
		c.logger.Warn("Send buffer full, dropping audio segment",
			zap.String("connID", c.connID),
			zap.Uint64("generation_seq", segment.GenerationSeq),
			zap.Int("unit_index", segment.UnitIndex))
		return nil
	}
}

// WriteEvent delivers one session event as a JSON text frame. Like
// WriteSegment, congestion drops the message and only a closed connection
// returns an error.
func (c *Client) WriteEvent(event pipeline.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.connID)
	default:
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.connID)
	default:
		c.logger.Warn("Send buffer full, dropping session event",
			zap.String("connID", c.connID),
			zap.String("event", string(event.Type)))
		return nil
	}
}

func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Send buffer full, dropping message",
			zap.String("connID", c.connID))
	}
}
