package printer

import (
	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/suite"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

// Printer reports replay progress and recorded exchanges
type Printer interface {
	suite.Observer
	PrintExchange(*artifact.Row) error
}

// New creates the printer for mode
func New(mode string, log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	switch mode {
	case "json":
		return NewJSONPrinter(log, cfg.RedactFields)
	default:
		return NewConsolePrinter(log, cfg.Silence, cfg.MaxValueChars, cfg.RedactFields)
	}
}
