// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 为检查点 SQL 表提供版本化 Schema 迁移，基于 golang-migrate，
支持 PostgreSQL 与 MySQL。

迁移文件以 embed.FS 内嵌在 migrations/<dialect>/ 下，命名形如
000001_create_checkpoints.up.sql。表结构与 agent/persistence 中
SQLCheckpointStore 的 GORM 模型保持一致。SQLite 没有版本化迁移，
SQL 存储打开时自动建表；对 sqlite 调用 NewMigrator 返回 ErrAutoMigrated。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Force/Version/Status/Info。
    ctx 取消时通过 GracefulStop 在当前迁移完成后停止。
  - CLI：reproflow migrate 子命令的终端输出层。
  - AvailableMigrations：列出内嵌迁移，不需要数据库连接。
*/
package migration
