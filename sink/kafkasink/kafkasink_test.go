package kafkasink

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

var testPID = core.PartitionID{AppID: 6, PartitionIndex: 4}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	calls   int
	errFor  func(call int) error
	closed  bool
}

func (p *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	var err error
	if p.errFor != nil {
		err = p.errFor(p.calls)
	}
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: err})
	}
	if err == nil {
		p.records = append(p.records, rs...)
	}
	return results
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakeProducer) decrees(t *testing.T) []core.Decree {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Decree, 0, len(p.records))
	for _, r := range p.records {
		m, err := DecodeRecord(r)
		require.NoError(t, err)
		out = append(out, m.Decree)
	}
	return out
}

func TestSink_ShipProducesOneRecordPerMutation(t *testing.T) {
	p := &fakeProducer{}
	s := New(p, "dup-events", nil)

	batch := duplication.Batch{Partition: testPID}
	for d := core.Decree(3); d <= 5; d++ {
		batch.Mutations = append(batch.Mutations, testutil.Mutation(testPID, d, 8))
	}
	ack, err := s.Ship(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, core.Decree(5), ack.LastDecree)

	require.Len(t, p.records, 3)
	for i, r := range p.records {
		assert.Equal(t, "dup-events", r.Topic)
		assert.Equal(t, "6.4", string(r.Key))
		headers := map[string]string{}
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		assert.Equal(t, strconv.Itoa(3+i), headers[HeaderDecree])
		assert.Equal(t, "6.4", headers[HeaderPartition])
		assert.Equal(t, time.UnixMicro(int64(batch.Mutations[i].Timestamp)), r.Timestamp)
	}
	assert.Equal(t, []core.Decree{3, 4, 5}, p.decrees(t))

	require.NoError(t, s.Close())
	assert.True(t, p.closed)
}

func TestClassify(t *testing.T) {
	transient := []error{
		kerr.NotLeaderForPartition,
		kerr.RequestTimedOut,
		kgo.ErrRecordTimeout,
		kgo.ErrRecordRetries,
		context.DeadlineExceeded,
		errors.New("dial tcp: connection refused"),
	}
	for _, err := range transient {
		assert.True(t, duplication.IsTransient(Classify(err)), err.Error())
	}
	permanent := []error{kerr.MessageTooLarge, kerr.TopicAuthorizationFailed, kerr.InvalidTopicException}
	for _, err := range permanent {
		assert.True(t, duplication.IsPermanent(Classify(err)), err.Error())
	}
	assert.NoError(t, Classify(nil))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Topic: "t"}.Validate())
	assert.Error(t, Config{Brokers: []string{"127.0.0.1:9092"}}.Validate())
	assert.Error(t, Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "t", Compression: "brotli"}.Validate())
	assert.NoError(t, Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "t", Compression: "zstd"}.Validate())
}

func TestDuplicationToKafka(t *testing.T) {
	w := testutil.OpenLog(t, t.TempDir(), testPID, 8*1024)
	testutil.AppendRange(t, w, 1, 400, 16)
	testutil.AppendCommitPoint(t, w, 401)

	p := &fakeProducer{errFor: func(call int) error {
		if call == 2 {
			return kerr.NotLeaderForPartition
		}
		return nil
	}}
	d := duplication.New(core.DuplicationEntry{DupID: 3, RemoteAddress: "kafka://dup-events"}, w, New(p, "dup-events", nil), duplication.Options{
		MaxBatchMutations: 64,
		Backoff:           duplication.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Pause()
		d.WaitAll()
	})

	require.Eventually(t, func() bool { return d.View().ConfirmedDecree == 400 }, 10*time.Second, 5*time.Millisecond)
	want := make([]core.Decree, 0, 400)
	for i := core.Decree(1); i <= 400; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, p.decrees(t))
}
