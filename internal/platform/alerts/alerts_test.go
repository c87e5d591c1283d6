package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func testAlert() Alert {
	return Alert{
		Type:      TypeSuspiciousSession,
		Severity:  SeverityHigh,
		UserID:    "u-1",
		SessionID: "s-1",
		Score:     66,
		Message:   "session exceeded PHI access threshold",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSink_Publish(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "phi-alerts")
	if err := sink.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(p.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(p.records))
	}
	rec := p.records[0]
	if rec.Topic != "phi-alerts" || string(rec.Key) != "u-1" {
		t.Errorf("unexpected record routing: topic=%s key=%s", rec.Topic, rec.Key)
	}
	var got Alert
	if err := json.Unmarshal(rec.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeSuspiciousSession || got.Score != 66 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestKafkaSink_ProduceError(t *testing.T) {
	sink := NewKafkaSink(&fakeProducer{err: errors.New("broker unavailable")}, "t")
	if err := sink.Publish(context.Background(), testAlert()); err == nil {
		t.Fatal("expected produce error")
	}
}

func TestLogSink_Publish(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	if err := sink.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"alert_type":"suspicious_session"`) || !strings.Contains(out, `"level":"error"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &fakeProducer{}
	f := Fanout{NewKafkaSink(ok, "t"), NewKafkaSink(&fakeProducer{err: errors.New("down")}, "t"), Discard{}}
	if err := f.Publish(context.Background(), testAlert()); err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.records) != 1 {
		t.Error("healthy sink should still receive the alert")
	}
}

func TestNewKafkaClient_NoBrokers(t *testing.T) {
	if _, err := NewKafkaClient(nil, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
}
