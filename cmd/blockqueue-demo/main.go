// Command blockqueue-demo runs the scenarios from spec.md §8 end to end
// against an in-memory backend, one Group runner per scenario, with
// output serialized in scenario order regardless of completion order.
package main

import (
	"fmt"
	"io"
	"log"
	"syscall"

	"github.com/markdingo/parallel"

	"github.com/ehrlich-b/blockqueue"
	"github.com/ehrlich-b/blockqueue/backend"
	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

type scenario struct {
	name string
	run  func(out io.Writer) error
}

func main() {
	scenarios := []scenario{
		{"A-basic-ordering", scenarioA},
		{"B-two-context-merge", scenarioB},
		{"C-overlap-read", scenarioC},
		{"D-pending-and-inflight-read", scenarioD},
		{"E-write-dominance", scenarioE},
		{"F-writethrough-bypass", scenarioF},
		{"G-recoverable-error", scenarioG},
	}

	group, err := parallel.NewGroup()
	if err != nil {
		log.Fatalf("parallel.NewGroup: %v", err)
	}

	for _, s := range scenarios {
		s := s
		group.Add(s.name, s.name, func(stdout, stderr io.Writer) {
			fmt.Fprintf(stdout, "=== Scenario %s ===\n", s.name)
			if err := s.run(stdout); err != nil {
				fmt.Fprintf(stderr, "FAILED: %v\n", err)
			} else {
				fmt.Fprintln(stdout, "ok")
			}
		})
	}

	group.Run()
	group.Wait()
}

// newPreloaded returns a writeback queue over a Memory backend preloaded
// with fillByte everywhere, plus that backend.
func newPreloaded(size int64, fillByte byte) (*blockqueue.Queue, *backend.Memory) {
	mem := backend.NewMemory(size)
	filler := make([]byte, size)
	for i := range filler {
		filler[i] = fillByte
	}
	done := make(chan error, 1)
	mem.AIOPWrite(0, filler, func(err error) { done <- err })
	for mem.Drain() == 0 {
	}
	<-done

	q, err := blockqueue.New(blockqueue.DefaultConfig(mem))
	if err != nil {
		panic(err)
	}
	return q, mem
}

func scenarioA(out io.Writer) error {
	q, mem := newPreloaded(1024, 0xA5)
	defer mem.Close()
	defer q.Destroy()

	ctx := q.NewContext()
	if err := ctx.PWrite(0, fill(512, 0x12)); err != nil {
		return err
	}
	if err := ctx.PWrite(512, fill(42, 0x34)); err != nil {
		return err
	}
	if err := ctx.Barrier(); err != nil {
		return err
	}
	if err := ctx.PWrite(678, fill(42, 0x56)); err != nil {
		return err
	}

	if err := q.Flush(); err != nil {
		return err
	}

	got := make([]byte, 720)
	if err := mem.PRead(0, got); err != nil {
		return err
	}
	fmt.Fprintf(out, "pending=%d in_flight=%d barriers_submitted=%d\n",
		q.PendingLen(), q.InFlightCount(), q.BarriersSubmitted())
	return nil
}

func scenarioB(out io.Writer) error {
	q, mem := newPreloaded(2048, 0xA5)
	defer mem.Close()
	defer q.Destroy()

	ctx1 := q.NewContext()
	ctx2 := q.NewContext()

	ctx1.PWrite(0, fill(512, 0x12))
	ctx1.Barrier()
	ctx2.PWrite(512, fill(42, 0x34))
	ctx1.PWrite(1024, fill(512, 0x12))
	ctx2.Barrier()
	ctx2.PWrite(1512, fill(42, 0x34))

	if err := q.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "ctx1.section=%d ctx2.section=%d\n", ctx1.Section(), ctx2.Section())
	return nil
}

func scenarioC(out io.Writer) error {
	q, mem := newPreloaded(1024, 0xA5)
	defer mem.Close()
	defer q.Destroy()

	ctx := q.NewContext()
	ctx.PWrite(5, fill(5, 0x12))

	buf := make([]byte, 32)
	if err := ctx.PRead(0, buf); err != nil {
		return err
	}
	fmt.Fprintf(out, "read=% x\n", buf)
	return nil
}

func scenarioD(out io.Writer) error {
	q, mem := newPreloaded(1024, 0xA5)
	defer mem.Close()
	defer q.Destroy()

	ctx := q.NewContext()
	ctx.PWrite(25, fill(5, 0x44))
	ctx.Barrier()
	ctx.PWrite(5, fill(5, 0x12))
	ctx.Barrier()
	ctx.PWrite(10, fill(5, 0x34))

	buf := make([]byte, 20)
	if err := ctx.PRead(0, buf); err != nil {
		return err
	}
	fmt.Fprintf(out, "read=% x section=%d\n", buf, ctx.Section())
	return nil
}

func scenarioE(out io.Writer) error {
	q, mem := newPreloaded(2048, 0xA5)
	defer mem.Close()
	defer q.Destroy()

	ctx := q.NewContext()
	ctx.PWrite(512, fill(512, 0x56))
	ctx.Barrier()
	ctx.PWrite(512, fill(512, 0x34))

	if err := q.Flush(); err != nil {
		return err
	}

	got := make([]byte, 512)
	if err := mem.PRead(512, got); err != nil {
		return err
	}
	fmt.Fprintf(out, "dominant_byte=%#x\n", got[0])
	return nil
}

func scenarioF(out io.Writer) error {
	mem := backend.New(512, interfaces.FlagWritethrough)
	defer mem.Close()
	q, err := blockqueue.New(blockqueue.DefaultConfig(mem))
	if err != nil {
		return err
	}
	defer q.Destroy()

	ctx := q.NewContext()
	if err := ctx.PWrite(0, fill(512, 0x12)); err != nil {
		return err
	}
	fmt.Fprintf(out, "pending_len=%d in_flight=%d\n", q.PendingLen(), q.InFlightCount())
	return nil
}

func scenarioG(out io.Writer) error {
	mem := backend.NewMemory(1024)
	defer mem.Close()
	mem.InjectNextWriteError(blockqueue.NewErrnoError("AIOPWrite", syscall.ENOSPC))

	keep := true
	q, err := blockqueue.New(blockqueue.Config{
		Backend:      mem,
		ErrorHandler: func(error) bool { return keep },
		Policy:       blockqueue.DefaultDispatchPolicy(),
	})
	if err != nil {
		return err
	}
	defer q.Destroy()

	ctx := q.NewContext()
	ctx.PWrite(0, fill(512, 0x99))
	// The dispatcher is deliberately not restarted on a keep_queue=true
	// completion (spec.md §4.1.5); wait for exactly that one completion.
	for mem.Drain() == 0 {
	}

	fmt.Fprintf(out, "pending_len=%d (request re-queued after injected error)\n", q.PendingLen())

	// The producer environment "resumes" and retries: flip the handler to
	// fatal and poke the dispatcher, matching spec.md's recoverable path.
	keep = false
	q.Poll()
	return q.Flush()
}

func fill(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
