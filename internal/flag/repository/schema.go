package repository

import "labforge/internal/common/db"

const solvesTable = `
CREATE TABLE IF NOT EXISTS solves (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	machine_id VARCHAR(64) NOT NULL,
	instance_id VARCHAR(64) NOT NULL,
	is_first_blood BOOLEAN NOT NULL,
	first_blood_key VARCHAR(64) NULL,
	xp_awarded DOUBLE NOT NULL,
	created_at BIGINT NOT NULL,
	CONSTRAINT uq_solves_first_blood UNIQUE (first_blood_key),
	CONSTRAINT uq_solves_user_machine UNIQUE (user_id, machine_id)
)`

const attemptsTableMySQL = `
CREATE TABLE IF NOT EXISTS submission_attempts (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	machine_id VARCHAR(64) NOT NULL,
	instance_id VARCHAR(64) NOT NULL,
	submitted_hash VARCHAR(160) NOT NULL,
	is_correct BOOLEAN NOT NULL,
	created_at BIGINT NOT NULL,
	INDEX idx_attempts_user_created (user_id, created_at)
)`

const attemptsTableSQLite = `
CREATE TABLE IF NOT EXISTS submission_attempts (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	machine_id VARCHAR(64) NOT NULL,
	instance_id VARCHAR(64) NOT NULL,
	submitted_hash VARCHAR(160) NOT NULL,
	is_correct BOOLEAN NOT NULL,
	created_at BIGINT NOT NULL
)`

// Schema returns the DDL for solves and submission attempts.
// first_blood_key is the machine id on the first-blood row and NULL elsewhere.
func Schema(driver string) []string {
	if driver == db.DriverMySQL {
		return []string{solvesTable, attemptsTableMySQL}
	}
	return []string{
		solvesTable,
		attemptsTableSQLite,
		"CREATE INDEX IF NOT EXISTS idx_attempts_user_created ON submission_attempts (user_id, created_at)",
	}
}
