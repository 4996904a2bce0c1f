// Command demo walks a urine-volume protocol through the step executor
// in-process: an instruction, a 10 second timer, and a numeric capture.
// A manual clock drives the timer so the run finishes instantly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/audit"
	"github.com/rhuss/labflow/pkg/capture"
	"github.com/rhuss/labflow/pkg/catalog"
	"github.com/rhuss/labflow/pkg/engine"
	"github.com/rhuss/labflow/pkg/session"
	"github.com/rhuss/labflow/pkg/storage/memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	fmt.Println("=== labflow step executor demo ===")
	fmt.Println()

	cat, err := catalog.NewMemory(&api.Protocol{
		ID: "urine-volume", Name: "24h urine volume", Active: true,
		Steps: []api.Step{
			{ID: "prepare", Order: 1, Kind: api.StepKindInstruction, Title: "Label the container", Required: true,
				Config: api.InstructionConfig{}},
			{ID: "settle", Order: 2, Kind: api.StepKindTimer, Title: "Let the sample settle", Required: true,
				Config: api.TimerConfig{Duration: 10 * time.Second}},
			{ID: "volume", Order: 3, Kind: api.StepKindCapture, Title: "Record the volume", Required: true,
				Config: api.CaptureConfig{CaptureType: api.CaptureKindNumeric, Unit: "mL"}},
		},
	})
	if err != nil {
		return err
	}

	store := memory.New(0)
	log := audit.New(store)
	caps := capture.NewService(store, log)
	clock := engine.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	eng, err := engine.New(session.NewManager(store, cat, log, session.Options{}), caps, nil, engine.Config{Clock: clock})
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.OnComplete(func(sess *api.Session) {
		fmt.Printf("[hook] session %s completed\n", sess.ID)
	})

	sess, err := eng.Start(ctx, "urine-volume", api.SessionRefs{OrderID: "ord_demo", PatientID: "pat_demo"})
	if err != nil {
		return err
	}
	fmt.Printf("[1] started %s at step %d (%s)\n", sess.ID, sess.CurrentStep, sess.Status)

	events, unsubscribe := eng.Subscribe(sess.ID)
	defer unsubscribe()

	if sess, err = eng.Complete(ctx, sess.ID, 1, engine.Acknowledge{}); err != nil {
		return err
	}
	fmt.Printf("[2] acknowledged instruction, now at step %d\n", sess.CurrentStep)

	if _, err := eng.Complete(ctx, sess.ID, 1, engine.Acknowledge{}); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			fmt.Printf("[3] repeated step 1 rejected: %s (%s)\n", apiErr.Message, apiErr.Type)
		}
	}

	if _, err := eng.StartTimer(ctx, sess.ID); err != nil {
		return err
	}
	clock.Advance(10 * time.Second)
	state, err := eng.Timer(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("[4] timer finished: completed=%t remaining=%ds\n", state.Completed, state.Remaining)

	if sess, err = eng.Complete(ctx, sess.ID, 2, engine.TimerInput{}); err != nil {
		return err
	}
	if sess, err = eng.Complete(ctx, sess.ID, 3, engine.CaptureInput{Value: "4.5"}); err != nil {
		return err
	}
	fmt.Printf("[5] recorded volume, session is %s\n", sess.Status)
	fmt.Println()

	fmt.Println("Events:")
	ticks := 0
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == api.EventTimerTick {
				ticks++
				continue
			}
			fmt.Printf("  #%d %-18s step=%d\n", ev.SequenceNumber, ev.Type, ev.StepOrder)
			done = ev.IsTerminal()
		case <-time.After(time.Second):
			done = true
		}
	}
	fmt.Printf("  (%d timer ticks)\n", ticks)
	fmt.Println()

	data, err := json.MarshalIndent(sess.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("Session data:\n%s\n", data)

	entries, err := log.List(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\nAudit trail: %d entries\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %-20s step=%d actor=%s\n", e.EventType, e.StepOrder, e.Actor)
	}
	return nil
}
