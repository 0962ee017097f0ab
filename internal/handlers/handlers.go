package handlers

import (
	"github.com/gluk-w/claworc/fleetd/internal/audit"
	"github.com/gluk-w/claworc/fleetd/internal/fanout"
	"github.com/gluk-w/claworc/fleetd/internal/inventory"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

// Set from main.go during init.
var (
	Loop      *reactor.Loop
	Pool      *sshpool.Pool
	Sessions  *fanout.Manager
	Inventory *inventory.Inventory
	// AuditLog may be nil when auditing is off.
	AuditLog *audit.Auditor
)
