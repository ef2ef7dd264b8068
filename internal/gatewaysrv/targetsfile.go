package gatewaysrv

import (
	"encoding/json"
	"fmt"
	"os"
)

// targetRecord is the on-disk shape of one entry in the gateway's
// target file: the mstshash cookie value that routes to it and the
// real host/credentials it resolves to. This loader is a minimal
// stand-in for whatever real provisioning system a deployment would
// plug in instead.
type targetRecord struct {
	ProxyUser string
	Address   string
	Username  string
	Password  string
}

// LoadTargetsFile reads a JSON array of target records from path and
// returns a populated TargetRegistry. A missing file yields an empty,
// usable registry rather than an error, since an agent-less gateway
// with no configured targets is a valid (if useless) starting state.
func LoadTargetsFile(path string) (*TargetRegistry, error) {
	reg := NewTargetRegistry(nil)
	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("gatewaysrv: read targets file %s: %w", path, err)
	}
	var records []targetRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("gatewaysrv: parse targets file %s: %w", path, err)
	}
	for _, r := range records {
		reg.Set(r.ProxyUser, Target{Address: r.Address, Username: r.Username, Password: r.Password})
	}
	return reg, nil
}
