package producer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/kafka-go"

	"intelligence-substrate/core/internal/telemetry/domain"
)

// fakeReader serves msgs in order, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	batches []domain.Batch
	fail    error
	done    chan struct{}
	want    int
}

func (s *recordingSink) Send(ctx context.Context, b domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		err := s.fail
		s.fail = nil
		s.want--
		if s.want == 0 {
			close(s.done)
		}
		return err
	}
	s.batches = append(s.batches, b)
	s.want--
	if s.want == 0 {
		close(s.done)
	}
	return nil
}

func (s *recordingSink) Beacon(domain.Batch) bool { return true }

func TestRelay_ForwardsAndCommits(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, "t", nil)
	if err := p.Send(context.Background(), batchOf(2)); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(context.Background(), batchOf(1)); err != nil {
		t.Fatal(err)
	}
	msgs := w.messages()
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	garbage := kafka.Message{Offset: 2, Value: []byte("{not json")}
	third := msgs[1]
	third.Offset = 3

	reader := &fakeReader{msgs: []kafka.Message{msgs[0], msgs[1], garbage, third}}
	sink := &recordingSink{fail: errors.New("loki down"), done: make(chan struct{}), want: 3}
	r := newRelay(reader, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	<-sink.done
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The first batch fails and stays uncommitted; the undecodable message is committed and skipped.
	reader.mu.Lock()
	committed := append([]int64(nil), reader.committed...)
	reader.mu.Unlock()
	if diff := cmp.Diff([]int64{1, 2, 3}, committed); diff != "" {
		t.Errorf("committed offsets (-want +got):\n%s", diff)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 2 {
		t.Fatalf("forwarded %d batches, want 2", len(sink.batches))
	}
	for _, b := range sink.batches {
		if b.Token != nil {
			t.Error("relayed batch carries a token")
		}
		if len(b.Events) != 1 || b.Events[0].SessionID != "sess-9" {
			t.Errorf("events = %+v", b.Events)
		}
	}
}

func TestDecodeBatch(t *testing.T) {
	if _, err := DecodeBatch([]byte("nope")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	b, err := DecodeBatch([]byte(`{"sessionId":"s","sentAt":1,"events":[{"appId":"a","eventType":"copy","timestamp":5,"sessionId":"s"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Events) != 1 || b.Events[0].Timestamp != 5 {
		t.Errorf("batch = %+v", b)
	}
}
