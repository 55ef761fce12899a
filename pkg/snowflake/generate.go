package snowflake

import (
	"errors"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"

	apperrors "SalesAgent/pkg/errors"
)

var (
	node *snowflake.Node
	mu   sync.RWMutex

	errInvalidNodeID = errors.New("invalid snowflake machine or datacenter id")
)

// Init 初始化节点，machineID 与 dataCenterID 都在 0~31 之间。
// 重复调用以第一次成功的结果为准。
func Init(machineID, dataCenterID int64) error {
	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		return nil
	}

	if machineID < 0 || machineID > 31 || dataCenterID < 0 || dataCenterID > 31 {
		return errInvalidNodeID
	}

	n, err := snowflake.NewNode((dataCenterID << 5) | machineID)
	if err != nil {
		return err
	}
	node = n
	return nil
}

func NextID() (int64, error) {
	mu.RLock()
	n := node
	mu.RUnlock()

	if n == nil {
		return 0, apperrors.ErrGeneratorUninitial
	}

	return n.Generate().Int64(), nil
}

// NextString 用于 MQ 任务 ID 等字符串场景
func NextString(prefix string) (string, error) {
	id, err := NextID()
	if err != nil {
		return "", err
	}
	return prefix + strconv.FormatInt(id, 10), nil
}
