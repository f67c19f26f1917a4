package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind 描述分区承载的资源类别。
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindImage   Kind = "image"
	KindAPI     Kind = "api"
)

// Kinds 返回全部已知分区类别，顺序固定，便于 install/activate 遍历。
func Kinds() []Kind {
	return []Kind{KindStatic, KindDynamic, KindImage, KindAPI}
}

// Known 判断类别是否属于内置集合。
func (k Kind) Known() bool {
	switch k {
	case KindStatic, KindDynamic, KindImage, KindAPI:
		return true
	}
	return false
}

// PartitionID 以结构化的 (Kind, Version) 标识分区，名称格式为 "<kind>-v<version>"。
type PartitionID struct {
	Kind    Kind
	Version int
}

// Name 输出分区名称，例如 static-v2。
func (id PartitionID) Name() string {
	return fmt.Sprintf("%s-v%d", id.Kind, id.Version)
}

var errMalformedPartitionName = errors.New("malformed partition name")

// ParsePartitionID 将 "<kind>-v<version>" 解析为 PartitionID；无法解析的名称返回错误。
func ParsePartitionID(name string) (PartitionID, error) {
	idx := strings.LastIndex(name, "-v")
	if idx <= 0 || idx+2 >= len(name) {
		return PartitionID{}, fmt.Errorf("%w: %s", errMalformedPartitionName, name)
	}
	version, err := strconv.Atoi(name[idx+2:])
	if err != nil || version < 0 {
		return PartitionID{}, fmt.Errorf("%w: %s", errMalformedPartitionName, name)
	}
	return PartitionID{Kind: Kind(name[:idx]), Version: version}, nil
}

// Policy 是分区的新鲜度策略：最大存活时间与最大条目数。
type Policy struct {
	MaxAge     time.Duration
	MaxEntries int
}

// DefaultPolicies 返回内置的分区策略表。
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindStatic:  {MaxAge: 30 * 24 * time.Hour, MaxEntries: 100},
		KindDynamic: {MaxAge: 24 * time.Hour, MaxEntries: 50},
		KindImage:   {MaxAge: 7 * 24 * time.Hour, MaxEntries: 200},
		KindAPI:     {MaxAge: 5 * time.Minute, MaxEntries: 50},
	}
}
