package routes

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/fwdcache/internal/cache"
	"github.com/any-hub/fwdcache/internal/server"
)

const (
	defaultEntryLimit = 100
	maxEntryLimit     = 1000
)

// CacheSource 提供缓存计数与条目快照，由 *cache.Cache 实现。
type CacheSource interface {
	Stats() cache.Stats
	Snapshot(limit int) []cache.EntryInfo
}

// PoolSource 提供 worker 负载，由 *worker.Pool 实现。
type PoolSource interface {
	Loads() []int
	Capacity() int
}

// AcceptSource 提供接入计数，由 *server.Acceptor 实现。
type AcceptSource interface {
	Stats() server.AcceptStats
}

// ArchiveSource 提供归档磁盘占用，由 cache.Archive 实现。
type ArchiveSource interface {
	Usage() int64
}

// Sources 汇总诊断接口依赖，nil 字段对应的数据不输出。
type Sources struct {
	Cache    CacheSource
	Pool     PoolSource
	Acceptor AcceptSource
	Archive  ArchiveSource
	Version  string
}

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供 SRE 查询缓存与 worker 状态。
func RegisterDiagnosticsRoutes(app *fiber.App, src Sources) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":     "ok",
			"version":    src.Version,
			"request_id": server.RequestID(c),
		})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := fiber.Map{}
		if src.Cache != nil {
			stats := src.Cache.Stats()
			payload["cache"] = stats
			payload["hit_ratio"] = hitRatio(stats)
		}
		if src.Acceptor != nil {
			payload["accept"] = src.Acceptor.Stats()
		}
		if src.Archive != nil {
			payload["archive_bytes"] = src.Archive.Usage()
		}
		return c.JSON(payload)
	})

	app.Get("/-/entries", func(c fiber.Ctx) error {
		if src.Cache == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
		}
		entries := src.Cache.Snapshot(limit)
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": entries,
		})
	})

	app.Get("/-/workers", func(c fiber.Ctx) error {
		if src.Pool == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "pool_unavailable"})
		}
		return c.JSON(encodeWorkers(src.Pool.Loads(), src.Pool.Capacity()))
	})
}

type workersPayload struct {
	Workers  int   `json:"workers"`
	Loads    []int `json:"loads"`
	Active   int   `json:"active"`
	Capacity int   `json:"capacity"`
}

func encodeWorkers(loads []int, capacity int) workersPayload {
	active := 0
	for _, n := range loads {
		active += n
	}
	return workersPayload{
		Workers:  len(loads),
		Loads:    loads,
		Active:   active,
		Capacity: capacity,
	}
}

func hitRatio(stats cache.Stats) float64 {
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0
	}
	return float64(stats.Hits) / float64(total)
}

// parseLimit 解析 ?limit=，缺省为 100，上限 1000。
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultEntryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, strconv.ErrSyntax
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}
	return limit, nil
}
