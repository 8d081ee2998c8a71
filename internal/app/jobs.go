package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

const sysLogRetainDays = 90

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@every 5m", func() {
		go a.SchedSystemMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", a.SchedClearExpireData)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask logs host and process resource usage
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	fields := make([]zap.Field, 0, 4)
	if cpuuse, err := cpu.Percent(0, false); err == nil && len(cpuuse) > 0 {
		fields = append(fields, zap.Float64("system_cpu_percent", cpuuse[0]))
	}
	if meminfo, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Uint64("system_mem_used_mb", meminfo.Used/1024/1024))
	}

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err == nil {
		if cpuuse, err := p.CPUPercent(); err == nil {
			fields = append(fields, zap.Float64("process_cpu_percent", cpuuse))
		}
		if meminfo, err := p.MemoryInfo(); err == nil {
			fields = append(fields, zap.Uint64("process_rss_mb", meminfo.RSS/1024/1024))
		}
	}
	zap.L().Info("app: resource usage", fields...)
}

// SchedClearExpireData trims the audit and notification logs
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx := context.Background()

	n, err := repository.NewGormSysLogRepository(a.gormDB).
		DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -sysLogRetainDays))
	if err != nil {
		zap.L().Error("app: sys_log cleanup failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("app: sys_log cleanup", zap.Int64("deleted", n))
	}

	days := a.appConfig.TellMe.LogRetainDays
	if days <= 0 {
		days = 30
	}
	n, err = repository.NewGormNotifyLogRepository(a.gormDB).
		DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		zap.L().Error("app: notify_log cleanup failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("app: notify_log cleanup", zap.Int64("deleted", n))
	}
}
