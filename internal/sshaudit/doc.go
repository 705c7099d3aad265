// Package sshaudit records gateway activity: connections, terminal sessions
// and file transfers against remote hosts.
//
// [Auditor] writes rows to the gateway_audit_logs table and mirrors each
// event to the structured logger. Entries carry the target host and username,
// the operator identity supplied by the auth gateway, the client IP and a
// free-form detail string. Key material is never recorded.
//
// The package keeps a global Auditor set with [InitGlobal]. The helpers in
// helpers.go ([LogConnectionFailed], [LogTransfer] and the rest) are no-ops
// until it is set, so components can call them unconditionally.
//
//	sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)
//	sshaudit.LogTransfer(sshaudit.EventFileUpload, target, operator, ip, "/srv/app/report.csv", 2048)
//
// [Auditor.PurgeOlderThan] removes entries beyond the retention period; the
// maintenance scheduler calls it daily.
package sshaudit
