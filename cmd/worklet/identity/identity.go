// Package identity derives the worklet's stable node identity. The
// registration loop and the event subscriber must agree on it, so both go
// through NodeUUID.
package identity

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/common/config"
)

// NodeUUID returns the stable identity for this worklet: node_name verbatim
// when it already is a uuid, otherwise a v5 uuid over "ip:port:name" in the
// OID namespace.
func NodeUUID(cfg *config.WorkletConfig) string {
	if u, err := uuid.Parse(cfg.NodeName); err == nil {
		return u.String()
	}
	base := fmt.Sprintf("%s:%d:%s", cfg.AdvertiseIP, cfg.AdvertisePort, cfg.NodeName)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(base)).String()
}
