// Package main is a module which serves the video-analytics vision model.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/video-analytics/service"
)

func main() {
	module.ModularMain(resource.APIModel{API: vision.API, Model: service.Model})
}
