package db

import (
	"fmt"
	"io"
	"time"
)

// PrintChannelHistoryCLI writes the journal of one channel to w.
func PrintChannelHistoryCLI(w io.Writer, dbPath, device string, channel, limit int) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, err := GetChannelEvents(conn, device, channel, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintf(w, "no events for %s channel %d\n", device, channel)
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-7s %s -> %s\n", e.At.Local().Format(time.DateTime), e.Source, e.Previous, e.Current)
	}
	return nil
}

// PruneCLI removes journal entries older than the given age.
func PruneCLI(dbPath string, olderThan time.Duration) (int64, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return PruneChannelEvents(conn, time.Now().Add(-olderThan))
}
