package meters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner replays one batch of discoveries (or an error) per Scan call.
type fakeScanner struct {
	mu      sync.Mutex
	cycles  [][]Discovery
	errs    []error
	scanned int
}

func (scanner *fakeScanner) Scan(_ context.Context, _ time.Duration, handle func(Discovery)) error {
	scanner.mu.Lock()
	i := scanner.scanned
	scanner.scanned++
	scanner.mu.Unlock()

	if i < len(scanner.errs) && scanner.errs[i] != nil {
		return scanner.errs[i]
	}
	if i < len(scanner.cycles) {
		for _, discovery := range scanner.cycles[i] {
			handle(discovery)
		}
	}
	return nil
}

func (scanner *fakeScanner) calls() int {
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	return scanner.scanned
}

type recordingSink struct {
	mu       sync.Mutex
	readings []Reading
	err      error
}

func (sink *recordingSink) Name() string { return "recording" }

func (sink *recordingSink) Publish(_ context.Context, reading Reading) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.readings = append(sink.readings, reading)
	return sink.err
}

type countingObserver struct {
	decodeErrors []string
	scanFailures int
}

func (observer *countingObserver) ObserveDecodeError(location string, err error) {
	observer.decodeErrors = append(observer.decodeErrors, location+":"+DecodeErrorKind(err))
}

func (observer *countingObserver) ObserveScanFailure(error) {
	observer.scanFailures++
}

const testKind = "16b Service Data"

// testDecode reads temperature, humidity and battery straight from bytes 2..4 after a 0xab marker.
func testDecode(value []byte, at time.Time) (Reading, error) {
	if len(value) < 1 || value[0] != 0xab {
		return Reading{}, errors.Wrap(ErrUnrecognizedFormat, "test")
	}
	if len(value) < 4 {
		return Reading{}, errors.Wrap(ErrMalformedPayload, "test")
	}
	return Reading{
		Time:        at,
		Temperature: float64(value[1]),
		Humidity:    int(value[2]),
		Battery:     int(value[3]),
	}, nil
}

func meterDiscovery(addr string, value ...byte) Discovery {
	return Discovery{
		Address: addr,
		RSSI:    -60,
		ServiceData: []ServiceData{
			{ID: 0x09, Description: "Complete Local Name", Value: []byte("WoHand")},
			{ID: 0x16, Description: testKind, Value: value},
		},
	}
}

func newTestWorker(t *testing.T, scanner Scanner) (*Worker, *MemoryStore) {
	t.Helper()
	registry, err := NewRegistry([]Device{
		{Address: "e8:fe:50:d1:75:dd", Location: "Bedroom"},
		{Address: "c4:7c:8d:6a:1b:02", Location: "Kitchen"},
	})
	require.NoError(t, err)

	store := NewMemoryStore()
	return &Worker{
		Interval:        time.Millisecond,
		ScanDuration:    time.Millisecond,
		Registry:        registry,
		Store:           store,
		Scanner:         scanner,
		Decode:          testDecode,
		ServiceDataKind: testKind,
		Now:             func() time.Time { return at },
	}, store
}

func TestWorker_Cycle_StoresRegisteredMeters(t *testing.T) {
	scanner := &fakeScanner{cycles: [][]Discovery{{
		meterDiscovery("E8:FE:50:D1:75:DD", 0xab, 22, 44, 100),
		meterDiscovery("11:22:33:44:55:66", 0xab, 30, 30, 30),
		meterDiscovery("c4:7c:8d:6a:1b:02", 0xab, 19, 61, 75),
	}}}
	worker, store := newTestWorker(t, scanner)
	sink := &recordingSink{}
	worker.Sinks = []Sink{sink}

	require.NoError(t, worker.Cycle(context.Background()))

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Reading{
		reading("Bedroom", 22, 44, 100),
		reading("Kitchen", 19, 61, 75),
	}, all)
	assert.Len(t, sink.readings, 2)
}

func TestWorker_Cycle_SkipsBadAdvertisements(t *testing.T) {
	noServiceData := Discovery{Address: "e8:fe:50:d1:75:dd"}
	scanner := &fakeScanner{cycles: [][]Discovery{{
		noServiceData,
		meterDiscovery("e8:fe:50:d1:75:dd", 0x01, 22, 44, 100),
		meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22),
		meterDiscovery("c4:7c:8d:6a:1b:02", 0xab, 19, 61, 75),
	}}}
	worker, store := newTestWorker(t, scanner)
	observer := &countingObserver{}
	worker.Observer = observer

	require.NoError(t, worker.Cycle(context.Background()))

	_, err := store.Get(context.Background(), "Bedroom")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(context.Background(), "Kitchen")
	assert.NoError(t, err)
	assert.Equal(t, []string{"Bedroom:unrecognized_format", "Bedroom:malformed_payload"}, observer.decodeErrors)
}

func TestWorker_Cycle_KeepsReadingsOfSilentMeters(t *testing.T) {
	scanner := &fakeScanner{cycles: [][]Discovery{
		{meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22, 44, 100)},
		{},
		{meterDiscovery("c4:7c:8d:6a:1b:02", 0xab, 19, 61, 75)},
	}}
	worker, store := newTestWorker(t, scanner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, worker.Cycle(ctx))
	}

	got, err := store.Get(ctx, "Bedroom")
	require.NoError(t, err)
	assert.Equal(t, reading("Bedroom", 22, 44, 100), got)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWorker_Cycle_ClearBeforeScan(t *testing.T) {
	scanner := &fakeScanner{cycles: [][]Discovery{
		{meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22, 44, 100)},
		{meterDiscovery("c4:7c:8d:6a:1b:02", 0xab, 19, 61, 75)},
	}}
	worker, store := newTestWorker(t, scanner)
	worker.ClearBeforeScan = true
	ctx := context.Background()

	require.NoError(t, worker.Cycle(ctx))
	require.NoError(t, worker.Cycle(ctx))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Kitchen", all[0].Location)
}

func TestWorker_Cycle_ScanFailure(t *testing.T) {
	scanner := &fakeScanner{errs: []error{errors.New("hci0: no such device")}}
	worker, _ := newTestWorker(t, scanner)
	observer := &countingObserver{}
	worker.Observer = observer

	err := worker.Cycle(context.Background())

	var facilityErr *ScanFacilityError
	require.True(t, errors.As(err, &facilityErr))
	assert.Contains(t, err.Error(), "no such device")
	assert.Equal(t, 1, observer.scanFailures)
}

func TestWorker_Cycle_SinkFailureDoesNotDropReading(t *testing.T) {
	scanner := &fakeScanner{cycles: [][]Discovery{{meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22, 44, 100)}}}
	worker, store := newTestWorker(t, scanner)
	worker.Sinks = []Sink{&recordingSink{err: errors.New("broker down")}}

	require.NoError(t, worker.Cycle(context.Background()))

	_, err := store.Get(context.Background(), "Bedroom")
	assert.NoError(t, err)
}

func TestWorker_Run_RetriesAfterFailuresUntilCancelled(t *testing.T) {
	scanner := &fakeScanner{
		errs: []error{errors.New("adapter busy"), errors.New("adapter busy")},
		cycles: [][]Discovery{
			nil,
			nil,
			{meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22, 44, 100)},
		},
	}
	worker, store := newTestWorker(t, scanner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "Bedroom")
		return err == nil
	}, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, scanner.calls(), 3)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_Run_StopsWhileWaiting(t *testing.T) {
	worker, _ := newTestWorker(t, &fakeScanner{})
	worker.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_LogLevels(t *testing.T) {
	hook := test.NewGlobal()
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetLevel(level)
		hook.Reset()
	})

	scanner := &fakeScanner{cycles: [][]Discovery{{
		meterDiscovery("11:22:33:44:55:66", 0xab, 20, 40, 90),
		meterDiscovery("e8:fe:50:d1:75:dd", 0xab, 22, 44, 100),
	}}}
	worker, _ := newTestWorker(t, scanner)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Scanner = &cancellingScanner{Scanner: scanner, cancel: cancel}
	require.ErrorIs(t, worker.Run(ctx), context.Canceled)

	levels := map[string]log.Level{}
	var started *log.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Message == "scan worker started" {
			started = entry
		}
		levels[entry.Message] = entry.Level
	}

	require.NotNil(t, started)
	assert.Equal(t, []string{"Bedroom", "Kitchen"}, started.Data["locations"])
	assert.Equal(t, log.DebugLevel, levels["stored reading"])
	assert.Equal(t, log.DebugLevel, levels["ignoring 11:22:33:44:55:66: device not registered"])
}

// cancellingScanner cancels the worker after its first scan.
type cancellingScanner struct {
	Scanner
	cancel context.CancelFunc
}

func (scanner *cancellingScanner) Scan(ctx context.Context, duration time.Duration, handle func(Discovery)) error {
	defer scanner.cancel()
	return scanner.Scanner.Scan(ctx, duration, handle)
}
