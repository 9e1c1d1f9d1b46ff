package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/checks"
)

// CreateDevChecks will create a few monitors we can use during development.
// Each csv row is rank,domain and becomes an https monitor that is due immediately.
func CreateDevChecks(ctx context.Context, db Database, r io.Reader, region string, interval time.Duration, log *zap.Logger) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	domains, err := reader.ReadAll()
	if err != nil {
		return 0, errors.Wrap(err, "read dev checks csv")
	}

	created := 0
	for i, row := range domains {
		if len(row) < 2 || strings.TrimSpace(row[1]) == "" {
			log.Warn("skipping csv row", zap.Int("row", i+1))
			continue
		}
		m := checks.Monitor{
			ID:       fmt.Sprintf("devCheckList%d", i),
			URL:      "https://" + strings.TrimSpace(row[1]),
			Method:   "GET",
			Type:     checks.TypeHTTP,
			Interval: interval,
			Regions:  []string{region},
		}
		if err := db.CreateMonitor(ctx, m); err != nil {
			return created, err
		}
		created++
	}
	log.Info("created dev checks", zap.Int("count", created), zap.String("region", region))
	return created, nil
}
