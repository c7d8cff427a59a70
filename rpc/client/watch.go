package client

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/gorilla/websocket"
)

// Watch streams the snapshots of a collection to fn, starting with the current one.
// It blocks until ctx is done (then it returns nil) or the stream fails.
// fn is called from a single goroutine, one snapshot at a time.
func (c *Client) Watch(ctx context.Context, collection string, fn func(common.CollectionResponse)) error {
	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/collections/" + url.PathEscape(collection) + "/watch"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Response: common.ErrorResponse{Error: err.Error(), Code: "watch_failed"}}
		}
		return err
	}
	defer conn.Close()

	// closing the connection unblocks ReadJSON
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer stop()

	for {
		var snap common.CollectionResponse
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseGoingAway {
				Logger.Infof("server closed the watch of %q: %s", collection, closeErr.Text)
			}
			return err
		}
		fn(snap)
	}
}
