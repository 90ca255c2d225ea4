/*
 * @module service/init
 * @description 服务初始化模块，构建核心管理器并在进程启动时完成连接、迁移与调度启动
 * @architecture 分层架构 - 服务层
 * @documentReference ai_docs/etl_engine_design.md
 * @stateFlow 应用启动时执行初始化流程，初始化失败直接退出进程
 * @rules 确保两个数据库连接就绪、调度器启动后才对外提供API服务
 * @dependencies datasync-service/service/core
 * @refs api/routes.go
 */

package service

import (
	"log"

	"datasync-service/logger"
	"datasync-service/service/core"
)

// CoreManager 进程级核心管理器句柄，API层经由此句柄访问全部服务
var CoreManager *core.Manager

func init() {
	logger.InitLogger()

	CoreManager = core.NewManager()
	if err := CoreManager.Initialize(); err != nil {
		// 初始化阶段的连接失败视为致命错误
		log.Fatalf("服务初始化失败: %v", err)
	}
}
