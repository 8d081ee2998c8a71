package repository

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/toughwa/internal/domain"
	"go.uber.org/zap"
)

// WriteSysLog records an audit row. Failures are logged and swallowed; the
// audit trail never decides the outcome of the operation it describes.
func WriteSysLog(ctx context.Context, repo SysLogRepository, tenant int64, level, module, event string, payload interface{}) {
	if repo == nil {
		return
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(payload)
	if err != nil {
		body = "{}"
	}
	row := &domain.SysLog{
		AdminID: tenant,
		Level:   level,
		Module:  module,
		Event:   event,
		Payload: body,
	}
	if err := repo.Create(ctx, row); err != nil {
		zap.L().Warn("repository: write sys_log failed",
			zap.String("module", module),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
