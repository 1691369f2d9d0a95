package store

import "path/filepath"

// LockFileName is the lock file kept at the top of every install root.
const LockFileName = "skills-lock.json"

func LockPath(installRoot string) string {
	return filepath.Join(installRoot, LockFileName)
}

func SkillDir(installRoot, name string) string {
	return filepath.Join(installRoot, name)
}

func StagingRoot(installRoot string) string {
	return filepath.Join(installRoot, ".staging")
}

func AuditPath(stateRoot string) string {
	return filepath.Join(stateRoot, "audit.log")
}

func ConfigPath(stateRoot string) string {
	return filepath.Join(stateRoot, "config.toml")
}
