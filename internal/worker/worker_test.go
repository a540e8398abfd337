package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"aksjeimport/internal"
)

func registerCSV(rows int) string {
	var b strings.Builder
	b.WriteString("Organisasjonsnummer,Selskap,Navn aksjonær,Antall aksjer\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "9%08d,Selskap %d AS,Holder %d,%d\n", i%50, i%50, i, i+1)
	}
	return b.String()
}

func startWorker(t *testing.T, cfg Config) (*Worker, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	w := New(cfg)
	go w.Run(ctx)
	return w, ctx
}

func send(t *testing.T, ctx context.Context, w *Worker, cmd Command) {
	t.Helper()
	if err := w.Send(ctx, cmd); err != nil {
		t.Fatal(err)
	}
}

// collect reads events until the session ends, calling onEvent for each.
func collect(t *testing.T, ctx context.Context, w *Worker, onEvent func(Event)) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("events closed early")
			}
			out = append(out, ev)
			if onEvent != nil {
				onEvent(ev)
			}
			if IsTerminal(ev) {
				return out
			}
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(out))
		}
	}
}

func batchSizes(events []Event) []int {
	var sizes []int
	for _, ev := range events {
		if b, ok := ev.(BatchReady); ok {
			sizes = append(sizes, len(b.Batch))
		}
	}
	return sizes
}

func TestParseBatchesAndCompletes(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("register.csv", strings.NewReader(registerCSV(25003)))})

	events := collect(t, ctx, w, nil)
	if _, ok := events[0].(ParseStart); !ok {
		t.Fatalf("first event %T", events[0])
	}
	done, ok := events[len(events)-1].(ParseComplete)
	if !ok || done.TotalRows != 25003 {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
	if got := batchSizes(events); fmt.Sprint(got) != "[10000 10000 5003]" {
		t.Fatalf("batch sizes %v", got)
	}

	last := 0
	var firstBatch BatchReady
	for _, ev := range events {
		var n int
		switch e := ev.(type) {
		case Progress:
			n = e.RowCount
		case BatchReady:
			n = e.RowCount
			if firstBatch.Batch == nil {
				firstBatch = e
			}
		default:
			continue
		}
		if n < last {
			t.Fatalf("row count went backwards: %d after %d", n, last)
		}
		last = n
	}
	if last != 25003 {
		t.Fatalf("last row count %d", last)
	}

	rec := firstBatch.Batch[7]
	if rec.Orgnr != "900000007" || rec.Selskap != "Selskap 7 AS" || rec.NavnAksjonaer != "Holder 7" || rec.AntallAksjer != "8" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestExactMultipleHasNoEmptyBatch(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("register.csv", strings.NewReader(registerCSV(20000)))})

	events := collect(t, ctx, w, nil)
	if got := batchSizes(events); fmt.Sprint(got) != "[10000 10000]" {
		t.Fatalf("batch sizes %v", got)
	}
	if done := events[len(events)-1].(ParseComplete); done.TotalRows != 20000 {
		t.Fatalf("total %d", done.TotalRows)
	}
}

func TestSmallBatchSize(t *testing.T) {
	w, ctx := startWorker(t, Config{BatchSize: 3, ChunkSize: 2})
	send(t, ctx, w, ParseFile{Source: ReaderSource("small.csv", strings.NewReader(registerCSV(7)))})

	events := collect(t, ctx, w, nil)
	if got := batchSizes(events); fmt.Sprint(got) != "[3 3 1]" {
		t.Fatalf("batch sizes %v", got)
	}
	progress := 0
	for _, ev := range events {
		if _, ok := ev.(Progress); ok {
			progress++
		}
	}
	// chunks of 2,2,2,1
	if progress != 4 {
		t.Fatalf("progress events %d", progress)
	}
}

func TestExcelRejected(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("register.xlsx", strings.NewReader("PK"))})

	events := collect(t, ctx, w, nil)
	if len(events) != 2 {
		t.Fatalf("events %#v", events)
	}
	if _, ok := events[0].(ParseStart); !ok {
		t.Fatalf("first event %T", events[0])
	}
	if !errors.Is(events[1].(ErrorEvent), ErrExcelUnsupported) {
		t.Fatalf("error %v", events[1])
	}
}

func TestCancelDropsBuffer(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("register.csv", strings.NewReader(registerCSV(25003)))})

	sent := false
	lastProgress := 0
	events := collect(t, ctx, w, func(ev Event) {
		if p, ok := ev.(Progress); ok {
			lastProgress = p.RowCount
			if !sent {
				send(t, ctx, w, Cancel{})
				sent = true
			}
		}
	})
	if _, ok := events[len(events)-1].(Cancelled); !ok {
		t.Fatalf("last event %T", events[len(events)-1])
	}
	if got := batchSizes(events); len(got) != 0 {
		t.Fatalf("no batch expected, got %v", got)
	}
	if lastProgress == 0 || lastProgress >= 10000 {
		t.Fatalf("rows read before cancel %d", lastProgress)
	}

	// worker is reusable after a cancel
	send(t, ctx, w, ParseFile{Source: ReaderSource("next.csv", strings.NewReader(registerCSV(12)))})
	events = collect(t, ctx, w, nil)
	if done, ok := events[len(events)-1].(ParseComplete); !ok || done.TotalRows != 12 {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
}

func TestReadFailureEndsSessionWithError(t *testing.T) {
	errDisk := errors.New("disk read failed")
	w, ctx := startWorker(t, Config{BatchSize: 100, ChunkSize: 50})
	src := io.MultiReader(strings.NewReader(registerCSV(430)), iotest.ErrReader(errDisk))
	send(t, ctx, w, ParseFile{Source: ReaderSource("broken.csv", src)})

	events := collect(t, ctx, w, nil)
	if _, ok := events[0].(ParseStart); !ok {
		t.Fatalf("first event %T", events[0])
	}
	last, ok := events[len(events)-1].(ErrorEvent)
	if !ok || !errors.Is(last, errDisk) {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
	for _, ev := range events {
		if _, ok := ev.(ParseComplete); ok {
			t.Fatal("unexpected PARSE_COMPLETE after read failure")
		}
	}
	// the 30 rows buffered after the fourth batch are dropped
	if got := batchSizes(events); fmt.Sprint(got) != "[100 100 100 100]" {
		t.Fatalf("batch sizes %v", got)
	}

	send(t, ctx, w, ParseFile{Source: ReaderSource("next.csv", strings.NewReader(registerCSV(5)))})
	events = collect(t, ctx, w, nil)
	if done, ok := events[len(events)-1].(ParseComplete); !ok || done.TotalRows != 5 {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
}

func TestPauseResume(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("register.csv", strings.NewReader(registerCSV(5000)))})

	paused := 0
	resumed := false
	requested := false
	events := collect(t, ctx, w, func(ev Event) {
		switch ev.(type) {
		case Progress:
			if paused > 0 && !resumed {
				t.Fatal("progress while paused")
			}
			if !requested {
				requested = true
				send(t, ctx, w, Pause{})
				send(t, ctx, w, Pause{})
			}
		case Paused:
			paused++
			if paused == 2 {
				send(t, ctx, w, Resume{})
			}
		case Resumed:
			resumed = true
		}
	})

	if paused != 2 || !resumed {
		t.Fatalf("paused=%d resumed=%v", paused, resumed)
	}
	done, ok := events[len(events)-1].(ParseComplete)
	if !ok || done.TotalRows != 5000 {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
	if got := batchSizes(events); fmt.Sprint(got) != "[5000]" {
		t.Fatalf("batch sizes %v", got)
	}
}

func TestSecondParseRejectedWhileActive(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	send(t, ctx, w, ParseFile{Source: ReaderSource("first.csv", strings.NewReader(registerCSV(8000)))})

	rejected := 0
	sent := false
	events := collect(t, ctx, w, func(ev Event) {
		switch e := ev.(type) {
		case Progress:
			if !sent {
				send(t, ctx, w, ParseFile{Source: ReaderSource("second.csv", strings.NewReader(registerCSV(3)))})
				sent = true
			}
		case ErrorEvent:
			if errors.Is(e, ErrSessionActive) {
				rejected++
			}
		}
	})
	if rejected != 1 {
		t.Fatalf("rejected=%d", rejected)
	}
	if done, ok := events[len(events)-1].(ParseComplete); !ok || done.TotalRows != 8000 {
		t.Fatalf("last event %#v", events[len(events)-1])
	}
}

func TestIdleAcknowledgements(t *testing.T) {
	w, ctx := startWorker(t, Config{})
	for _, cmd := range []Command{Pause{}, Resume{}, Cancel{}} {
		send(t, ctx, w, cmd)
	}
	want := []string{TypePaused, TypeResumed, TypeCancelled}
	for _, typ := range want {
		select {
		case ev := <-w.Events():
			if ev.Type() != typ {
				t.Fatalf("got %s want %s", ev.Type(), typ)
			}
		case <-ctx.Done():
			t.Fatal("timed out")
		}
	}
}

func TestRunClosesEventsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Config{})
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if _, ok := <-w.Events(); ok {
		t.Fatal("events channel still open")
	}
}

func TestEventJSON(t *testing.T) {
	rec := normalizeRow(map[string]string{"orgnr": "912345678", "navn": "Fjord AS", "aksjonaer": "Kari", "aksjer": "10"})
	raw, err := json.Marshal(BatchReady{Batch: []internal.ShareholderRecord{rec}, RowCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != TypeBatchReady || decoded["rowCount"] != float64(1) {
		t.Fatalf("decoded %v", decoded)
	}
	row := decoded["batch"].([]any)[0].(map[string]any)
	if row["navn_aksjonaer"] != "Kari" || row["landkode"] != nil {
		t.Fatalf("row %v", row)
	}

	raw, _ = json.Marshal(ErrorEvent{Err: ErrExcelUnsupported})
	if !strings.Contains(string(raw), `"type":"ERROR"`) || !strings.Contains(string(raw), "Excel") {
		t.Fatalf("error json %s", raw)
	}
	raw, _ = json.Marshal(Paused{})
	if string(raw) != `{"type":"PAUSED"}` {
		t.Fatalf("paused json %s", raw)
	}
}
