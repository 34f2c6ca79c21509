// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPersister 以 Redis Hash 保存 Job 快照：{prefix}:queues 为队列名集合，{prefix}:queue:{name}:jobs 为 jobID → JSON
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// RedisOptions 连接参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisPersister 连接 Redis 并 Ping；失败时关闭连接
func NewRedisPersister(ctx context.Context, opts RedisOptions) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPersisterWithClient(client, opts.Prefix), nil
}

// NewRedisPersisterWithClient 使用已有 client
func NewRedisPersisterWithClient(client *redis.Client, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = "wfp"
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (r *RedisPersister) queuesKey() string { return r.prefix + ":queues" }

func (r *RedisPersister) jobsKey(queue string) string {
	return r.prefix + ":queue:" + queue + ":jobs"
}

// Save 实现 Persister
func (r *RedisPersister) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.queuesKey(), job.Queue)
	pipe.HSet(ctx, r.jobsKey(job.Queue), job.ID, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete 实现 Persister
func (r *RedisPersister) Delete(ctx context.Context, queue, id string) error {
	return r.client.HDel(ctx, r.jobsKey(queue), id).Err()
}

// Load 实现 Persister；无法解析的条目跳过
func (r *RedisPersister) Load(ctx context.Context) ([]*Job, error) {
	queues, err := r.client.SMembers(ctx, r.queuesKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, q := range queues {
		fields, err := r.client.HGetAll(ctx, r.jobsKey(q)).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range fields {
			var j Job
			if err := json.Unmarshal([]byte(raw), &j); err != nil {
				continue
			}
			out = append(out, &j)
		}
	}
	return out, nil
}

// Close 关闭连接
func (r *RedisPersister) Close() error {
	return r.client.Close()
}
