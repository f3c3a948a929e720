// Package disco implements service discovery queries (XEP-0030).
package disco

import (
	"context"
	"encoding/xml"
	"sync"
	"time"
)

// Querier issues correlated IQ queries.
type Querier interface {
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
}

// Item represents a disco#items entry
type Item struct {
	JID  string
	Name string
	Node string
}

// Identity represents a disco#info identity
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Info represents a disco#info response
type Info struct {
	Identities []Identity
	Features   []string
	Fields     map[string]string
}

type itemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
}

type itemsResult struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Items   []struct {
		JID  string `xml:"jid,attr"`
		Name string `xml:"name,attr"`
		Node string `xml:"node,attr"`
	} `xml:"item"`
}

type infoQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
}

type infoResult struct {
	XMLName    xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Identities []struct {
		Category string `xml:"category,attr"`
		Type     string `xml:"type,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"identity"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
	Form *struct {
		Fields []struct {
			Var    string   `xml:"var,attr"`
			Values []string `xml:"value"`
		} `xml:"field"`
	} `xml:"jabber:x:data x"`
}

// Items queries the entity's disco#items.
func Items(ctx context.Context, q Querier, to string) ([]Item, error) {
	reply, err := q.Query(ctx, to, "get", itemsQuery{}, 0)
	if err != nil {
		return nil, err
	}

	var result itemsResult
	if err := xml.Unmarshal(reply, &result); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(result.Items))
	for _, it := range result.Items {
		items = append(items, Item{JID: it.JID, Name: it.Name, Node: it.Node})
	}
	return items, nil
}

// GetInfo queries the entity's disco#info.
func GetInfo(ctx context.Context, q Querier, to string) (*Info, error) {
	reply, err := q.Query(ctx, to, "get", infoQuery{}, 0)
	if err != nil {
		return nil, err
	}

	var result infoResult
	if err := xml.Unmarshal(reply, &result); err != nil {
		return nil, err
	}

	info := &Info{Fields: make(map[string]string)}
	for _, id := range result.Identities {
		info.Identities = append(info.Identities, Identity{
			Category: id.Category,
			Type:     id.Type,
			Name:     id.Name,
		})
	}
	for _, f := range result.Features {
		info.Features = append(info.Features, f.Var)
	}
	if result.Form != nil {
		for _, f := range result.Form.Fields {
			value := ""
			if len(f.Values) > 0 {
				value = f.Values[0]
			}
			info.Fields[f.Var] = value
		}
	}
	return info, nil
}

// Cache caches discovery results per JID.
type Cache struct {
	mu    sync.RWMutex
	info  map[string]*Info
	items map[string][]Item
}

// NewCache creates a new disco cache
func NewCache() *Cache {
	return &Cache{
		info:  make(map[string]*Info),
		items: make(map[string][]Item),
	}
}

// SetInfo sets disco info for a JID
func (c *Cache) SetInfo(j string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[j] = info
}

// GetInfo gets cached disco info for a JID
func (c *Cache) GetInfo(j string) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[j]
}

// SetItems sets disco items for a JID
func (c *Cache) SetItems(j string, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[j] = items
}

// GetItems gets cached disco items for a JID
func (c *Cache) GetItems(j string) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[j]
}

// HasFeature checks whether cached info for a JID lists a feature
func (c *Cache) HasFeature(j, feature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := c.info[j]
	if info == nil {
		return false
	}
	for _, f := range info.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
	c.items = make(map[string][]Item)
}
