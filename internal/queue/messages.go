package queue

import (
	"encoding/json"
	"fmt"

	"SalesAgent/internal/model"
	"SalesAgent/storage/mq"
)

// RoutingKey task.<kind>，队列按 task.# 绑定
func RoutingKey(kind model.TaskKind) string {
	return mq.TaskRoutingPrefix + string(kind)
}

func decodeTask(body []byte) (model.BackgroundTask, error) {
	var task model.BackgroundTask
	if err := json.Unmarshal(body, &task); err != nil {
		return task, fmt.Errorf("failed to unmarshal background task: %w", err)
	}
	if task.Kind == "" {
		return task, fmt.Errorf("background task has no kind")
	}
	return task, nil
}

// dedupKey 任务 id 与入站消息 id 共用去重器，加前缀区分
func dedupKey(task model.BackgroundTask) string {
	return "task:" + task.TaskID
}
