// Package bus publishes narration progress events over NATS.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	progressStream  = "AUDIOBOOK_PROGRESS"
	progressHistory = 24 * time.Hour
)

// Publisher announces chapter and run completion on a connection it owns. A nil *Publisher
// drops every event.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials the configured servers and binds progress subjects under cfg.SubjectPrefix.
// When the server has JetStream, a day of events is kept so late subscribers can replay a run.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("loqa-audiobook"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	p := &Publisher{conn: conn, prefix: cfg.SubjectPrefix, log: log.With(slog.String("component", "bus"))}
	if err := p.keepHistory(); err != nil {
		p.log.Warn("progress history unavailable, publishing live only", slog.String("error", err.Error()))
	}
	p.log.Info("connected to NATS", slog.String("servers", url), slog.String("subjects", protocol.Subject(p.prefix, ">")))
	return p, nil
}

// keepHistory creates or updates the stream that retains this prefix's events.
func (p *Publisher) keepHistory() error {
	if p.prefix == "" {
		return errors.New("no subject prefix to retain")
	}
	js, err := p.conn.JetStream()
	if err != nil {
		return err
	}
	stream := &nats.StreamConfig{
		Name:     progressStream,
		Subjects: []string{protocol.Subject(p.prefix, ">")},
		Storage:  nats.FileStorage,
		MaxAge:   progressHistory,
	}
	if _, err := js.AddStream(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
		_, err = js.UpdateStream(stream)
		return err
	}
	return nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.log.Info("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) ChapterCompleted(evt protocol.ChapterCompleted) error {
	return p.publish(protocol.SubjectChapterCompleted, evt)
}

func (p *Publisher) RunCompleted(evt protocol.RunCompleted) error {
	return p.publish(protocol.SubjectRunCompleted, evt)
}

func (p *Publisher) publish(name string, v any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	subject := protocol.Subject(p.prefix, name)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
