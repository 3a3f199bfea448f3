package debug

import (
	"github.com/pkg/errors"
	"github.com/xhd2015/ddbg/debug/common"
	"github.com/xhd2015/ddbg/debug/dap"
	"github.com/xhd2015/ddbg/debug/headless"
)

// Debugger types
const (
	Headless = "headless"
	DAP      = "dap"
)

// NewLauncher creates a launcher based on the debugger type
func NewLauncher(debuggerType string, cfg common.LaunchConfig) (common.Launcher, error) {
	switch debuggerType {
	case DAP:
		return dap.NewLauncher(cfg), nil
	case Headless, "":
		return headless.NewLauncher(cfg), nil
	default:
		return nil, errors.Errorf("unsupported debugger type: %s", debuggerType)
	}
}
