package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile 从 JSON 文件加载会话凭证并写入 store，返回加载条数。
// 凭证的签发与撤销发生在钱包侧，这里只消费其结果。
func LoadFile(ctx context.Context, path string, store Store) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, fmt.Errorf("凭证文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("解析凭证文件路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return 0, fmt.Errorf("读取凭证文件失败: %w", err)
	}
	defer file.Close()

	var credentials []*Credential
	if err := json.NewDecoder(file).Decode(&credentials); err != nil {
		return 0, fmt.Errorf("解析凭证文件失败: %w", err)
	}

	for _, cred := range credentials {
		if err := store.Put(ctx, cred); err != nil {
			return 0, fmt.Errorf("写入凭证 %s 失败: %w", cred.ID, err)
		}
	}
	return len(credentials), nil
}
