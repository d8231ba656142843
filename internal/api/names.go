package api

import (
	"math/rand/v2"
)

var (
	nameAdjectives = []string{
		"amber", "brave", "calm", "clever", "crisp", "daring", "eager", "fancy",
		"gentle", "glossy", "happy", "jolly", "keen", "lively", "lucky", "mellow",
		"nimble", "proud", "quiet", "rapid", "shiny", "silly", "swift", "tidy",
		"vivid", "witty", "zesty",
	}
	nameNouns = []string{
		"badger", "beacon", "canyon", "comet", "falcon", "forest", "galaxy", "harbor",
		"island", "lantern", "meadow", "otter", "panda", "pebble", "pixel", "planet",
		"raven", "river", "rocket", "sparrow", "summit", "tiger", "tulip", "walrus",
		"willow", "zephyr",
	}
)

// generateProjectName returns a random two-word kebab-case name.
func generateProjectName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + "-" + nameNouns[rand.IntN(len(nameNouns))]
}
