// Package store 负责价格状态与价格历史的持久化。
//
// 当前价格（prices）与历史（price_history）只通过 Save 在同一个事务内写入，
// 商品目录（platforms / products / product_models）对本包只读。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricetracker/internal/config"
	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound 查询的记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrInvalidPrice 价格为负数。
	ErrInvalidPrice = errors.New("invalid price")
)

// Store 封装 *gorm.DB。所有方法都从 ctx 派生独立会话，可被并发的任务共享。
type Store struct {
	db     *gorm.DB
	loc    *time.Location
	now    func() time.Time
	closer func() error
}

// New 用已有的连接创建 Store，主要用于测试。
func New(db *gorm.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, loc: loc, now: time.Now}
}

// Open 按配置连接数据库。
//
// postgres 使用 pgxpool 连接池（MaxConns / MinConns），再交给 GORM；
// mysql 直接使用 GORM 的 mysql 驱动。
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "", "postgres", "postgresql", "pgx":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		if cfg.Database.MinConns > 0 {
			poolCfg.MinConns = cfg.Database.MinConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		sqlDB := stdlib.OpenDBFromPool(pool)
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
		if err != nil {
			_ = sqlDB.Close()
			pool.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s := New(db, cfg.Location())
		s.closer = func() error {
			err := sqlDB.Close()
			pool.Close()
			return err
		}
		return s, nil

	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.Database.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get mysql handle: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(int(cfg.Database.MaxConns))
		}
		if cfg.Database.MinConns > 0 {
			sqlDB.SetMaxIdleConns(int(cfg.Database.MinConns))
		}
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		s := New(db, cfg.Location())
		s.closer = sqlDB.Close
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB { return s.db }

// Close 关闭连接池。
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate 建表，只用于本地开发与测试，生产库结构由外部维护。
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Platform{},
		&model.ProductModel{},
		&model.Product{},
		&model.Price{},
		&model.PriceHistory{},
	)
}

// Ping 确认能拿到数据库会话。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return fmt.Errorf("acquire db handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// Save 在一个事务内 upsert 当前价格并追加一条历史记录。
//
// 任意一步失败都会回滚，不会出现只有历史或只有当前价格的中间状态。
// amount 在写入前四舍五入到两位小数。
func (s *Store) Save(ctx context.Context, product model.Product, amount decimal.Decimal) error {
	if product.ID == 0 {
		return fmt.Errorf("save price: product id is required")
	}
	if amount.IsNegative() {
		return fmt.Errorf("save price for product %d: %w", product.ID, ErrInvalidPrice)
	}
	amount = amount.Round(2)
	observedAt := s.now().In(s.loc)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := model.Price{
			ProductID:  product.ID,
			PlatformID: product.PlatformID,
			Amount:     amount,
			URL:        product.URL,
			UpdatedAt:  observedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"price", "platform_id", "url", "updated_at"}),
		}).Create(&current).Error; err != nil {
			return fmt.Errorf("upsert current price: %w", err)
		}

		history := model.PriceHistory{
			ProductID:  product.ID,
			PlatformID: product.PlatformID,
			Amount:     amount,
			RecordedAt: observedAt,
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.PriceSavesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("save price for product %d: %w", product.ID, err)
	}
	metrics.PriceSavesTotal.WithLabelValues("saved").Inc()
	return nil
}

// ListTracked 返回平台名称包含 target（大小写不敏感）的所有商品，按 id 排序。
// target 为空或 "all" 时返回全部商品。结果预加载 Platform。
func (s *Store) ListTracked(ctx context.Context, target string) ([]model.Product, error) {
	q := s.db.WithContext(ctx).Preload("Platform").Order("id ASC")
	if t := strings.ToLower(strings.TrimSpace(target)); t != "" && t != "all" {
		platformIDs := s.db.WithContext(ctx).Model(&model.Platform{}).
			Select("id").
			Where("LOWER(name) LIKE ?", "%"+t+"%")
		q = q.Where("platform_id IN (?)", platformIDs)
	}

	var products []model.Product
	if err := q.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list tracked products: %w", err)
	}
	return products, nil
}

// FindProduct 按平台名称与平台商品编号查找商品。
func (s *Store) FindProduct(ctx context.Context, platform string, nativeID string) (*model.Product, error) {
	name := strings.ToLower(strings.TrimSpace(platform))
	platformIDs := s.db.WithContext(ctx).Model(&model.Platform{}).
		Select("id").
		Where("LOWER(name) LIKE ?", "%"+name+"%")

	var product model.Product
	err := s.db.WithContext(ctx).Preload("Platform").
		Where("platform_id IN (?) AND product_id_on_platform = ?", platformIDs, strings.TrimSpace(nativeID)).
		First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &product, nil
}

// CurrentPrice 返回商品当前价格。
func (s *Store) CurrentPrice(ctx context.Context, productID uint) (*model.Price, error) {
	var price model.Price
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).First(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current price: %w", err)
	}
	return &price, nil
}

// HistoryPoint 是价格走势中的一个点。
type HistoryPoint struct {
	RecordedAt time.Time
	Amount     decimal.Decimal
	Platform   string
}

// ModelHistory 返回某个标准型号在所有平台上的价格历史，按时间升序。
// 型号不存在时返回 ErrNotFound。
func (s *Store) ModelHistory(ctx context.Context, modelID uint) (string, []HistoryPoint, error) {
	var pm model.ProductModel
	err := s.db.WithContext(ctx).First(&pm, modelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("get product model: %w", err)
	}

	productIDs := s.db.WithContext(ctx).Model(&model.Product{}).
		Select("id").
		Where("model_id = ?", modelID)

	var rows []model.PriceHistory
	if err := s.db.WithContext(ctx).
		Where("product_id IN (?)", productIDs).
		Order("recorded_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return "", nil, fmt.Errorf("list price history: %w", err)
	}

	names, err := s.platformNames(ctx)
	if err != nil {
		return "", nil, err
	}

	points := make([]HistoryPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, HistoryPoint{
			RecordedAt: r.RecordedAt.In(s.loc),
			Amount:     r.Amount,
			Platform:   names[r.PlatformID],
		})
	}
	return pm.Name, points, nil
}

// ListModels 返回所有标准型号，按 id 倒序。
func (s *Store) ListModels(ctx context.Context) ([]model.ProductModel, error) {
	var models []model.ProductModel
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list product models: %w", err)
	}
	return models, nil
}

// Stats 系统数据量概览。
type Stats struct {
	TotalModels       int64
	TotalProducts     int64
	TotalPriceRecords int64
	TotalHistoryRows  int64
	ActivePlatforms   []string
}

// Stats 统计各表行数与平台列表。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	counts := []struct {
		model any
		dst   *int64
	}{
		{&model.ProductModel{}, &st.TotalModels},
		{&model.Product{}, &st.TotalProducts},
		{&model.Price{}, &st.TotalPriceRecords},
		{&model.PriceHistory{}, &st.TotalHistoryRows},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return Stats{}, fmt.Errorf("count rows: %w", err)
		}
	}

	if err := db.Model(&model.Platform{}).Order("id ASC").Pluck("name", &st.ActivePlatforms).Error; err != nil {
		return Stats{}, fmt.Errorf("list platforms: %w", err)
	}
	return st, nil
}

func (s *Store) platformNames(ctx context.Context) (map[uint]string, error) {
	var platforms []model.Platform
	if err := s.db.WithContext(ctx).Find(&platforms).Error; err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	names := make(map[uint]string, len(platforms))
	for _, p := range platforms {
		names[p.ID] = p.Name
	}
	return names, nil
}
