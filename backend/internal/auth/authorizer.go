// Package auth 身份与文档访问控制。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"doccollab/backend/internal/cache"
	"doccollab/backend/internal/store"
)

// Principal 已认证的调用者
type Principal struct {
	ID   uint64
	Name string
}

// Authorizer 判断调用者能否访问文档。false 表示拒绝，error 表示无法判断
type Authorizer interface {
	CanAccess(ctx context.Context, p Principal, docID string) (bool, error)
}

type AllowAll struct{}

func (AllowAll) CanAccess(context.Context, Principal, string) (bool, error) { return true, nil }

// StoreAuthorizer 文档所有者和成员可以访问；没有所有者的文档对所有人开放。
// AutoProvision 为 true 时，访问不存在的文档会以调用者为所有者创建它。
type StoreAuthorizer struct {
	store         store.Store
	autoProvision bool
}

func NewStoreAuthorizer(s store.Store, autoProvision bool) *StoreAuthorizer {
	return &StoreAuthorizer{store: s, autoProvision: autoProvision}
}

func (a *StoreAuthorizer) CanAccess(ctx context.Context, p Principal, docID string) (bool, error) {
	doc, err := a.store.GetDocument(ctx, docID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		if !a.autoProvision {
			return false, nil
		}
		err = a.store.CreateDocument(ctx, store.Document{ID: docID, OwnerID: p.ID})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrDocumentExists) {
			return false, fmt.Errorf("provision document %s: %w", docID, err)
		}
		// 并发创建，按别人创建的那份判断
		doc, err = a.store.GetDocument(ctx, docID)
	}
	if err != nil {
		return false, err
	}
	if doc.OwnerID == 0 || doc.OwnerID == p.ID {
		return true, nil
	}
	return a.store.IsMember(ctx, docID, p.ID)
}

// CachedAuthorizer 用 redis 缓存判定，singleflight 合并同一 (文档, 用户) 的并发查询
type CachedAuthorizer struct {
	next  Authorizer
	cache cache.ACLCache
	sf    singleflight.Group
	log   zerolog.Logger
}

func NewCachedAuthorizer(next Authorizer, c cache.ACLCache, log zerolog.Logger) *CachedAuthorizer {
	return &CachedAuthorizer{next: next, cache: c, log: log.With().Str("component", "acl").Logger()}
}

func (a *CachedAuthorizer) CanAccess(ctx context.Context, p Principal, docID string) (bool, error) {
	key := docID + "|" + strconv.FormatUint(p.ID, 10)
	v, err, _ := a.sf.Do(key, func() (interface{}, error) {
		allowed, hit, err := a.cache.Get(ctx, docID, p.ID)
		if err != nil {
			// 缓存不可用时直接回源
			a.log.Warn().Err(err).Str("doc", docID).Msg("acl cache read failed")
		} else if hit {
			return allowed, nil
		}

		allowed, err = a.next.CanAccess(ctx, p, docID)
		if err != nil {
			return false, err
		}
		if err := a.cache.Set(ctx, docID, p.ID, allowed); err != nil {
			a.log.Warn().Err(err).Str("doc", docID).Msg("acl cache write failed")
		}
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	allowed, _ := v.(bool)
	return allowed, nil
}

// Invalidate 成员变化后调用
func (a *CachedAuthorizer) Invalidate(ctx context.Context, docID string, userID uint64) error {
	return a.cache.Invalidate(ctx, docID, userID)
}
