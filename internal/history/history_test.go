package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/rbright/parlo/internal/metrics"
	"github.com/rbright/parlo/internal/transcript"
)

func sampleRecord() Record {
	return Record{
		SessionID: "3f1c",
		Mode:      "audio",
		Pair: transcript.Pair{
			Turn:        1,
			User:        transcript.Entry{Role: transcript.RoleUser, Text: "What time is it", Final: true},
			Model:       transcript.Entry{Role: transcript.RoleModel, Text: "It's noon", Final: true},
			CompletedAt: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestWriterSinkFormatsPair(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	require.Equal(t, "you:   What time is it\nmodel: It's noon\n", buf.String())

	buf.Reset()
	rec := sampleRecord()
	rec.Pair.User.Text = ""
	require.NoError(t, sink.Publish(context.Background(), rec))
	require.Equal(t, "model: It's noon\n", buf.String())
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")
	sink, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.Error(t, sink.Publish(context.Background(), sampleRecord()))

	again, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, again.Publish(context.Background(), sampleRecord()))
	require.NoError(t, again.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		require.Equal(t, "It's noon", rec.Pair.Model.Text)
		lines++
	}
	require.Equal(t, 2, lines)
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysBySession(t *testing.T) {
	writer := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: writer, topic: "parlo.turns"}

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, []byte("3f1c"), msg.Key)

	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	require.Equal(t, 1, rec.Pair.Turn)
	require.Contains(t, msg.Headers, kafka.Header{Key: "mode", Value: []byte("audio")})

	writer.err = errors.New("leader not available")
	require.ErrorContains(t, sink.Publish(context.Background(), sampleRecord()), "parlo.turns")

	require.NoError(t, sink.Close())
	require.True(t, writer.closed)
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"})
	require.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, "kafka", sink.Name())
	require.NoError(t, sink.Close())
}

type failingSink struct{ closed bool }

func (s *failingSink) Name() string { return "broken" }
func (s *failingSink) Publish(context.Context, Record) error {
	return errors.New("disk full")
}
func (s *failingSink) Close() error {
	s.closed = true
	return errors.New("close failed")
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	m := metrics.New()
	var buf bytes.Buffer
	broken := &failingSink{}
	multi := NewMulti(m, nil, broken, nil, NewWriterSink(&buf))
	require.Equal(t, 2, multi.Len())

	err := multi.Publish(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "broken: disk full")
	require.Contains(t, buf.String(), "It's noon")

	require.Equal(t, 1.0, testutil.ToFloat64(m.HistoryPublishTotal.WithLabelValues("broken", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HistoryPublishTotal.WithLabelValues("stdout", "ok")))

	require.ErrorContains(t, multi.Close(), "close broken")
	require.True(t, broken.closed)
}

func TestNilMultiIsNoop(t *testing.T) {
	var multi *Multi
	require.NoError(t, multi.Publish(context.Background(), sampleRecord()))
	require.NoError(t, multi.Close())
	require.Zero(t, multi.Len())
}
