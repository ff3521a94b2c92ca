package ws

import (
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

// Client is a websocket fetcher: Fetch writes a request frame, Run reads response frames
// and submits them.
type Client struct {
	id     string
	conn   *websocket.Conn
	codec  Codec
	logger zerolog.Logger

	writeMu sync.Mutex
	closeMu sync.Once
}

var _ rowcache.Fetcher = &Client{}

// Dial connects to a Handler at rawURL using codec (JSON when nil).
func Dial(ctx context.Context, rawURL string, codec Codec) (*Client, error) {
	if codec == nil {
		codec = JSON
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse websocket url")
	}
	q := u.Query()
	q.Set(CodecParam, codec.Name())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		codec:  codec,
		logger: log.Logger.With().Str("component", "ws.client").Str("client_id", id).Logger(),
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

// Fetch writes a request frame. Write failures are logged; the request then never settles.
func (c *Client) Fetch(req rowcache.WindowRequest) {
	b, err := c.codec.Marshal(requestFrame{ID: uuid.NewString(), Request: req})
	if err != nil {
		c.logger.Warn().Err(err).Str("window", req.String()).Msg("marshal request failed")
		return
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(c.codec.MessageType(), b)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Str("window", req.String()).Msg("ws send failed")
	}
}

// Run submits every response frame to dst until ctx is done or the connection drops.
// It closes the connection on return.
func (c *Client) Run(ctx context.Context, dst rowcache.Submitter) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read response frame")
		}
		var frame responseFrame
		if err := c.codec.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode response frame")
			continue
		}
		if frame.Error != "" {
			c.logger.Warn().Str("window", frame.Response.Request.String()).Str("error", frame.Error).Msg("window request failed upstream")
			continue
		}
		dst.SubmitResponse(frame.Response)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
