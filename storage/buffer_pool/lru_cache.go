package buffer_pool

import (
	"container/list"
	"sync"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// CacheStats 缓存统计
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// LRUCache 已提交页镜像的LRU缓存，缓存内的页只读，写事务需要先复制
type LRUCache struct {
	sync.Mutex

	capacity int
	items    map[basic.PageId]*list.Element
	order    *list.List
	stats    CacheStats
}

// cacheItem 缓存项
type cacheItem struct {
	id   basic.PageId
	page []byte
}

// NewLRUCache 创建LRU缓存，capacity<=0 时至少缓存一页
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[basic.PageId]*list.Element),
		order:    list.New(),
	}
}

// Get 获取页面
func (c *LRUCache) Get(id basic.PageId) ([]byte, bool) {
	c.Lock()
	defer c.Unlock()

	if elem, ok := c.items[id]; ok {
		c.order.MoveToFront(elem)
		c.stats.Hits++
		return elem.Value.(*cacheItem).page, true
	}
	c.stats.Misses++
	return nil, false
}

// Put 放入页面，已存在则替换
func (c *LRUCache) Put(id basic.PageId, page []byte) {
	c.Lock()
	defer c.Unlock()

	if elem, ok := c.items[id]; ok {
		elem.Value.(*cacheItem).page = page
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		c.evict()
	}
	c.items[id] = c.order.PushFront(&cacheItem{id: id, page: page})
}

// Remove 移除页面
func (c *LRUCache) Remove(id basic.PageId) {
	c.Lock()
	defer c.Unlock()

	if elem, ok := c.items[id]; ok {
		c.removeElement(elem)
	}
}

// RemoveFrom 移除页号不小于 id 的所有页，文件截断时使用
func (c *LRUCache) RemoveFrom(id basic.PageId) {
	c.Lock()
	defer c.Unlock()

	for pid, elem := range c.items {
		if pid >= id {
			c.removeElement(elem)
		}
	}
}

// Clear 清空缓存
func (c *LRUCache) Clear() {
	c.Lock()
	defer c.Unlock()

	c.items = make(map[basic.PageId]*list.Element)
	c.order.Init()
}

// Size 获取大小
func (c *LRUCache) Size() int {
	c.Lock()
	defer c.Unlock()
	return c.order.Len()
}

// Capacity 获取容量
func (c *LRUCache) Capacity() int {
	return c.capacity
}

// GetStats 获取统计信息
func (c *LRUCache) GetStats() CacheStats {
	c.Lock()
	defer c.Unlock()
	return c.stats
}

// evict 淘汰最久未用页面
func (c *LRUCache) evict() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.stats.Evictions++
}

func (c *LRUCache) removeElement(elem *list.Element) {
	delete(c.items, elem.Value.(*cacheItem).id)
	c.order.Remove(elem)
}
