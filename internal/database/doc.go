// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理，供 SQL 检查点存储使用。

# 核心类型

  - Config：驱动（postgres / mysql / sqlite）、DSN 与连接池配置。
  - Open：按驱动选择 GORM 方言并创建 PoolManager。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、
    Close() 以及事务执行。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
sqlite 锁等可重试错误按指数退避重试。
*/
package database
