// Package selftest runs a fixed battery of sanity checks against a
// throwaway store at startup, catching a broken store or numerics
// build before the node joins the real chain.
//
// Grounded on _examples/original_source/core/indexer/src/reg_tester.rs,
// whose full form spins up a regtest bitcoind and a kontor binary and
// drives a scripted series of contract calls end to end. That's an
// external integration harness, not something an in-process startup
// check can reproduce; this package keeps the "advisory fixed battery"
// shape but narrows the battery to what the runtime already owns: the
// store's savepoint/checkpoint discipline and the numerics package,
// run against a scratch sqlite database file in a caller-chosen directory.
package selftest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kontor-chain/kontor/internal/runtime/numerics"
	"github.com/kontor-chain/kontor/internal/store"
)

// Check is one named battery item.
type Check struct {
	Name string
	Err  error
}

// Report is the outcome of a full self-test run.
type Report struct {
	Checks []Check
}

// OK reports whether every check in the battery passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return true
}

// Run executes the battery against a scratch sqlite database created
// under dir (typically an os.TempDir subdirectory), tearing it down
// afterward. Per spec.md's "advisory" framing, a failing check is
// logged but never fatal — Run always returns a Report, never an error
// of its own.
func Run(ctx context.Context, log *logrus.Logger, dir string) Report {
	var report Report

	dbPath := filepath.Join(dir, "selftest.db")
	defer os.Remove(dbPath)

	st, err := store.Open(dbPath)
	report.Checks = append(report.Checks, Check{Name: "open_scratch_store", Err: err})
	if err != nil {
		logResult(log, report.Checks[len(report.Checks)-1])
		return report
	}
	defer st.Close()

	report.Checks = append(report.Checks, runCheck("store_savepoint_roundtrip", func() error {
		return checkStoreRoundTrip(ctx, st)
	}))
	report.Checks = append(report.Checks, runCheck("numerics_integer_arithmetic", checkIntegerArithmetic))
	report.Checks = append(report.Checks, runCheck("numerics_decimal_arithmetic", checkDecimalArithmetic))
	report.Checks = append(report.Checks, runCheck("checkpoint_chain_advances", func() error {
		return checkCheckpointAdvances(ctx, st)
	}))

	for _, c := range report.Checks {
		logResult(log, c)
	}
	return report
}

func runCheck(name string, fn func() error) Check {
	return Check{Name: name, Err: fn()}
}

func logResult(log *logrus.Logger, c Check) {
	if c.Err != nil {
		log.WithField("check", c.Name).WithError(c.Err).Warn("self-test check failed")
		return
	}
	log.WithField("check", c.Name).Info("self-test check passed")
}

func checkStoreRoundTrip(ctx context.Context, st *store.Store) error {
	if err := st.Savepoint(ctx); err != nil {
		return errors.Wrap(err, "opening savepoint")
	}
	contractID, err := st.InsertContract(ctx, "selftest", 0, 0, []byte("scratch"))
	if err != nil {
		return errors.Wrap(err, "inserting scratch contract")
	}
	if err := st.Set(ctx, contractID, "probe", []byte("1"), 0, 0); err != nil {
		return errors.Wrap(err, "setting scratch value")
	}
	if err := st.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing savepoint")
	}
	value, ok, err := st.Get(ctx, contractID, "probe")
	if err != nil {
		return errors.Wrap(err, "reading scratch value")
	}
	if !ok || string(value) != "1" {
		return errors.Errorf("got (%q, %v), want (1, true)", value, ok)
	}
	return nil
}

func checkCheckpointAdvances(ctx context.Context, st *store.Store) error {
	_, ok, err := st.CheckpointHash(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "reading checkpoint")
	}
	if !ok {
		return errors.New("expected a checkpoint at height 0 after the round-trip check")
	}
	return nil
}

func checkIntegerArithmetic() error {
	a := numerics.IntegerFromInt64(7)
	b := numerics.IntegerFromInt64(5)
	sum, err := a.Add(b)
	if err != nil {
		return err
	}
	if sum.String() != "12" {
		return errors.Errorf("7+5 = %s, want 12", sum)
	}
	return nil
}

func checkDecimalArithmetic() error {
	a, err := numerics.DecimalFromString("1.1")
	if err != nil {
		return err
	}
	b, err := numerics.DecimalFromString("2.2")
	if err != nil {
		return err
	}
	sum, err := a.Add(b)
	if err != nil {
		return err
	}
	if sum.String() != "3.3" {
		return errors.Errorf("1.1+2.2 = %s, want 3.3", sum)
	}
	return nil
}
