package repository

import (
	"fmt"

	"labforge/internal/common/db"
)

const machinesTable = `
CREATE TABLE IF NOT EXISTS machines (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	flag_hash VARCHAR(160) NOT NULL,
	xp_reward INT NOT NULL,
	status VARCHAR(32) NOT NULL,
	created_at BIGINT NOT NULL
)`

const instancesTable = `
CREATE TABLE IF NOT EXISTS instances (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	machine_id VARCHAR(64) NOT NULL,
	runtime_id VARCHAR(128) NOT NULL,
	address VARCHAR(255) NOT NULL,
	status VARCHAR(16) NOT NULL,
	running_key VARCHAR(140) NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	stopped_at BIGINT NULL,
	CONSTRAINT uq_instances_running_key UNIQUE (running_key)%s
)`

// Schema returns the DDL for machines and instances.
// running_key holds "user:machine" only while an instance runs, so the unique
// constraint admits one running instance per pair and any number of finished ones.
func Schema(driver string) []string {
	if driver == db.DriverMySQL {
		return []string{
			machinesTable,
			fmt.Sprintf(instancesTable, `,
	INDEX idx_instances_status_expires (status, expires_at),
	INDEX idx_instances_user_machine (user_id, machine_id)`),
		}
	}
	return []string{
		machinesTable,
		fmt.Sprintf(instancesTable, ""),
		"CREATE INDEX IF NOT EXISTS idx_instances_status_expires ON instances (status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_instances_user_machine ON instances (user_id, machine_id)",
	}
}
