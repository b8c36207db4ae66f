package sandbox

import "fmt"

// Resource names accepted in Rlimit.Resource
const (
	RLIMIT_AS     = "RLIMIT_AS"
	RLIMIT_CPU    = "RLIMIT_CPU"
	RLIMIT_CORE   = "RLIMIT_CORE"
	RLIMIT_DATA   = "RLIMIT_DATA"
	RLIMIT_FSIZE  = "RLIMIT_FSIZE"
	RLIMIT_NOFILE = "RLIMIT_NOFILE"
	RLIMIT_NPROC  = "RLIMIT_NPROC"
	RLIMIT_STACK  = "RLIMIT_STACK"
)

var knownResources = map[string]bool{
	RLIMIT_AS: true, RLIMIT_CPU: true, RLIMIT_CORE: true, RLIMIT_DATA: true,
	RLIMIT_FSIZE: true, RLIMIT_NOFILE: true, RLIMIT_NPROC: true, RLIMIT_STACK: true,
}

// Rlimit is one resource limit for the snippet process.
// Limits are applied right after the child starts.
type Rlimit struct {
	Resource string `config:"resource" json:"resource"`
	Soft     uint64 `config:"soft" json:"soft"`
	Hard     uint64 `config:"hard" json:"hard"`
}

func (rl Rlimit) Validate() error {
	if !knownResources[rl.Resource] {
		return fmt.Errorf("unknown rlimit resource option '%s'", rl.Resource)
	}
	if rl.Soft > rl.Hard {
		return fmt.Errorf("rlimit %s: soft limit %d exceeds hard limit %d", rl.Resource, rl.Soft, rl.Hard)
	}
	return nil
}
