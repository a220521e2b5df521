package model

import (
	"time"
)

// BusinessLocation 业务日历固定使用印度标准时间（UTC+5:30），与服务器时区无关
var BusinessLocation = time.FixedZone("IST", 5*3600+1800)

// BusinessDay 一个业务日的半开区间 [Start, End)
type BusinessDay struct {
	Start time.Time
	End   time.Time
}

// BusinessDayOf 返回 t 所在的业务日
func BusinessDayOf(t time.Time) BusinessDay {
	local := t.In(BusinessLocation)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, BusinessLocation)
	return BusinessDay{Start: start, End: start.AddDate(0, 0, 1)}
}

func (d BusinessDay) Contains(t time.Time) bool {
	return !t.Before(d.Start) && t.Before(d.End)
}

// Key 形如 20240115，用于幂等键和锁键
func (d BusinessDay) Key() string {
	return d.Start.Format("20060102")
}

func (d BusinessDay) String() string {
	return d.Start.Format("2006-01-02")
}
