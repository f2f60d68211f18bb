package selftest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRunReportsAllChecksPassing(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	report := Run(context.Background(), log, t.TempDir())
	if !report.OK() {
		for _, c := range report.Checks {
			if c.Err != nil {
				t.Errorf("check %q failed: %s", c.Name, c.Err)
			}
		}
	}
}
