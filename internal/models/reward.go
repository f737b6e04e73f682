package models

type Reward struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Cost        int64  `json:"cost" yaml:"cost"`
	Emoji       string `json:"emoji,omitempty" yaml:"emoji"`
	Fulfillment string `json:"fulfillment,omitempty" yaml:"fulfillment"`
}
