package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/repo"
)

// JobShardStats publishes per-shard row counts.
const JobShardStats = "db_shard_stats"

var shardStatsInterval = time.Minute

var shardRows = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "shard_rows",
		Help: "Rows per shard by kind (rooms, messages, outbox_pending).",
	},
	[]string{"shard", "kind"},
)

func init() {
	prometheus.MustRegister(shardRows)
}

// collectShardStats refreshes the shard_rows gauge. A failing shard does
// not stop the others.
func collectShardStats(db *database.Service) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, id := range db.ShardIDs() {
			g, err := db.Shard(id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			st, err := repo.CollectShardStats(ctx, g)
			if err != nil {
				errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
				continue
			}
			label := strconv.Itoa(id)
			shardRows.WithLabelValues(label, "rooms").Set(float64(st.Rooms))
			shardRows.WithLabelValues(label, "messages").Set(float64(st.Messages))
			shardRows.WithLabelValues(label, "outbox_pending").Set(float64(st.Pending))
		}
		return errors.Join(errs...)
	}
}
