package command

import (
	"LinkGuard/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Request is the JSON body accepted by the NATS and HTTP transports.
type Request struct {
	Command string `json:"command"` // "ping" or "set_mode"
	Mode    string `json:"mode,omitempty"`
}

// Decode converts a request body into a Command.
func (r Request) Decode(origin string) (Command, error) {
	switch r.Command {
	case "ping":
		return Ping(origin), nil
	case "set_mode", "":
		mode, err := model.ParseDetectionMode(r.Mode)
		if err != nil {
			return Command{}, err
		}
		return SetMode(mode, origin), nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", r.Command)
	}
}

// HandleJSON decodes a JSON request, submits it and encodes the response.
func HandleJSON(ctx context.Context, ch *Channel, body []byte, origin string) []byte {
	var req Request
	var resp Response
	if err := json.Unmarshal(body, &req); err != nil {
		resp = reject(fmt.Errorf("invalid request: %w", err), ch.modes.Current())
	} else if cmd, err := req.Decode(origin); err != nil {
		resp = reject(err, ch.modes.Current())
	} else {
		resp = ch.Submit(ctx, cmd)
	}
	out, _ := json.Marshal(resp)
	return out
}

// NATSServer answers control requests on a NATS subject.
type NATSServer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// ServeNATS subscribes to subject and replies to each request.
func ServeNATS(url, subject string, ch *Channel) (*NATSServer, error) {
	nc, err := nats.Connect(url, nats.Name("linkguard-control"))
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := msg.Respond(HandleJSON(ctx, ch, msg.Data, "nats")); err != nil {
			ch.logger.Warn().Err(err).Msg("Failed to answer control request")
		}
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	ch.logger.Info().Str("subject", subject).Msg("Accepting control requests over NATS")
	return &NATSServer{nc: nc, sub: sub}, nil
}

// Close unsubscribes and closes the connection.
func (s *NATSServer) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.nc.Close()
}

// RequestNATS sends one control request and decodes the reply.
func RequestNATS(nc *nats.Conn, subject string, req Request, timeout time.Duration) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	msg, err := nc.Request(subject, body, timeout)
	if err != nil {
		return Response{}, fmt.Errorf("control request failed: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("invalid control reply: %w", err)
	}
	return resp, nil
}
