package sshaudit

import (
	"sync"

	"gorm.io/gorm"
)

var (
	global   *Auditor
	globalMu sync.RWMutex
)

// InitGlobal creates the process-wide Auditor once the database is open and
// returns it for the maintenance scheduler and handlers.
func InitGlobal(db *gorm.DB, retentionDays int) *Auditor {
	a := NewAuditor(db, retentionDays)
	SetGlobal(a)
	return a
}

// GetAuditor returns the global Auditor, or nil before InitGlobal.
func GetAuditor() *Auditor {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal replaces the global Auditor; nil disables audit logging.
func SetGlobal(a *Auditor) {
	globalMu.Lock()
	global = a
	globalMu.Unlock()
}
