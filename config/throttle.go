package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UpdateRejectThrottle 把标定出的拒答阈值回写到配置文件。
// 只改 store.reject_throttle 一个标量：整个文件解析成 yaml 节点树
// 后原位替换，其余内容（含注释）原样保留，最后原子落盘。
func UpdateRejectThrottle(path string, throttle float32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return fmt.Errorf("config file %s is empty", path)
	}

	store := mappingValue(root.Content[0], "store")
	if store == nil {
		return fmt.Errorf("config file %s has no store section", path)
	}
	target := mappingValue(store, "reject_throttle")
	if target == nil {
		return fmt.Errorf("config file %s has no store.reject_throttle", path)
	}
	target.Tag = "!!float"
	target.Value = fmt.Sprintf("%g", throttle)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// mappingValue 在 mapping 节点里找 key 对应的 value 节点。
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
