package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/fleetd/internal/audit"
	"github.com/gluk-w/claworc/fleetd/internal/config"
	"github.com/gluk-w/claworc/fleetd/internal/database"
	"github.com/gluk-w/claworc/fleetd/internal/fanout"
	"github.com/gluk-w/claworc/fleetd/internal/inventory"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/resolver"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
	"github.com/gluk-w/claworc/fleetd/internal/transport/transporttest"
)

func TestNewResolver(t *testing.T) {
	empty := &inventory.Inventory{}

	res, err := newResolver(config.Settings{Resolver: "system"}, empty)
	require.NoError(t, err)
	assert.IsType(t, resolver.System{}, res)

	res, err = newResolver(config.Settings{Resolver: "dns", DNSServers: []string{"127.0.0.1:53"}}, empty)
	require.NoError(t, err)
	assert.IsType(t, &resolver.DNS{}, res)

	inv, err := inventory.Parse([]byte("hosts:\n  web1: [10.1.0.5]\n"))
	require.NoError(t, err)
	res, err = newResolver(config.Settings{Resolver: "system"}, inv)
	require.NoError(t, err)
	addrs, err := resolver.Resolve(context.Background(), res, "web1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.0.5"}, addrs)
}

func TestScheduleJobs(t *testing.T) {
	loop := reactor.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	pool := sshpool.New(loop, transporttest.NewDialer(), resolver.System{}, sshpool.Options{Logger: zerolog.Nop()})
	db, err := database.Open("")
	require.NoError(t, err)
	auditor := audit.New(db, 0, zerolog.Nop())
	defer auditor.Close()
	sessions := fanout.NewManager(loop, pool, auditor, zerolog.Nop())

	jobs, err := scheduleJobs(sessions, auditor, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, jobs.Entries(), 2)
}

func TestLogStateChanges(t *testing.T) {
	loop := reactor.New(zerolog.Nop())
	pool := sshpool.New(loop, transporttest.NewDialer(), resolver.System{}, sshpool.Options{Logger: zerolog.Nop()})

	var buf bytes.Buffer
	logStateChanges(pool, zerolog.New(&buf).Level(zerolog.DebugLevel))
	pool.States().Set("root@web1", sshpool.StateResolving)

	assert.Contains(t, buf.String(), `"key":"root@web1"`)
	assert.Contains(t, buf.String(), `"from":"idle"`)
	assert.Contains(t, buf.String(), `"to":"resolving"`)
}
