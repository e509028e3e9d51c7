package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// strategySchema 是策略文档的结构约束；语义检查见 Strategy.Validate。
const strategySchema = `{
  "type": "object",
  "required": ["name", "universe"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "universe": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "indicators": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "params": {
            "type": "object",
            "additionalProperties": {"type": "number"}
          }
        }
      }
    },
    "entry_rule": {"type": "string"},
    "exit_rules": {"type": "array", "items": {"type": "string"}},
    "sizing": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "params": {
          "type": "object",
          "additionalProperties": {"type": "number"}
        }
      }
    },
    "limits": {
      "type": "object",
      "properties": {
        "max_positions": {"type": "integer", "minimum": 0},
        "max_position_pct": {"type": "number", "minimum": 0},
        "max_gross_exposure": {"type": "number", "minimum": 0}
      }
    },
    "backtest": {
      "type": "object",
      "properties": {
        "start": {"type": "string"},
        "end": {"type": "string"},
        "frequency": {"type": "string"},
        "initial_equity": {"type": "number", "minimum": 0},
        "slippage_bps": {"type": "number", "minimum": 0},
        "commission_bps": {"type": "number", "minimum": 0}
      }
    },
    "alerts": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "channels": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("strategy.json", strategySchema)

// Load 读取并校验一个策略 YAML 文件。
func Load(path string) (*Strategy, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("策略文件路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败 (%s): %w", path, err)
	}
	var settings map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&settings); err != nil {
		return nil, fmt.Errorf("解析策略文件失败 (%s): %w", path, err)
	}
	return fromSettings(settings)
}

// fromSettings 在已解析的配置树上完成 Schema 校验和结构映射。
func fromSettings(settings map[string]any) (*Strategy, error) {
	// Schema 校验要求 json.Unmarshal 形态的值（YAML 解析出的 int 不行），
	// 先经 JSON 往返归一化。
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("序列化策略文档失败: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("归一化策略文档失败: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("策略文档不符合约束: %w", err)
	}
	var s Strategy
	if err := decode(settings, &s); err != nil {
		return nil, fmt.Errorf("解析策略文档失败: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decode(settings map[string]any, out *Strategy) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}
