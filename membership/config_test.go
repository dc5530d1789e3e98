package membership

import (
	"testing"

	"go.miragespace.co/conclave/auth"
	"go.miragespace.co/conclave/locator"
	"go.miragespace.co/conclave/overlay"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigValidate(t *testing.T) {
	as := require.New(t)

	network := overlay.NewNetwork()
	endpoint := network.Endpoint(&protocol.Member{Address: "node-0", StartedAt: 1}, 0)
	defer endpoint.Stop()

	valid := func() ManagerConfig {
		conf := DefaultManagerConfig()
		conf.Logger = zaptest.NewLogger(t)
		conf.Messenger = endpoint
		conf.Locator = locator.NewStatic("node-1")
		conf.Authenticator = auth.AllowAll{}
		return conf
	}

	conf := valid()
	as.NoError(conf.Validate())

	for name, mutate := range map[string]func(*ManagerConfig){
		"nil Logger":         func(c *ManagerConfig) { c.Logger = nil },
		"nil Messenger":      func(c *ManagerConfig) { c.Messenger = nil },
		"nil Locator":        func(c *ManagerConfig) { c.Locator = nil },
		"nil Authenticator":  func(c *ManagerConfig) { c.Authenticator = nil },
		"zero successors":    func(c *ManagerConfig) { c.MonitoredSuccessors = 0 },
		"zero miss":          func(c *ManagerConfig) { c.MissThreshold = 0 },
		"zero attempts":      func(c *ManagerConfig) { c.JoinMaxAttempts = 0 },
		"zero probe":         func(c *ManagerConfig) { c.ProbeInterval = 0 },
		"negative ack":       func(c *ManagerConfig) { c.AckTimeout = -1 },
		"zero leave timeout": func(c *ManagerConfig) { c.LeaveTimeout = 0 },
	} {
		conf := valid()
		mutate(&conf)
		as.Error(conf.Validate(), name)
	}

	noAddress := network.Endpoint(&protocol.Member{}, 0)
	defer noAddress.Stop()
	conf = valid()
	conf.Messenger = noAddress
	as.Error(conf.Validate())

	_, err := NewManager(ManagerConfig{})
	as.Error(err)
}
